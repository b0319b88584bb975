package receipt

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/boomcard/receipt-trust/internal/cashback"
	"github.com/boomcard/receipt-trust/internal/scanning"
)

// 50MB handles high-resolution phone photos
const maxUploadSize = int64(50 << 20)

const fileTooLargeMessage = "File is too large. Maximum size is 50MB. Please compress or resize your image."

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeJSONError writes an error response with CORS headers set
func writeJSONError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps a service error onto an HTTP status code
func statusFor(err error) int {
	var transitionErr *TransitionError
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, scanning.ErrUnreadableImage):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateReceipt), errors.Is(err, ErrCashbackApplied), errors.Is(err, ErrConflict),
		errors.As(err, &transitionErr):
		return http.StatusConflict
	case errors.Is(err, scanning.ErrEngineInit):
		return http.StatusServiceUnavailable
	case errors.Is(err, scanning.ErrRecognition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs and writes err with its mapped status
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSONError(w, "Internal server error", code)
		return
	}
	slog.Warn("Request rejected", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	writeJSONError(w, err.Error(), code)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return validationError("invalid request body: %v", err)
	}
	return nil
}

// detectContentType prefers the part's declared type and falls back to the
// file extension
func detectContentType(header string, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

type uploadedFile struct {
	name        string
	contentType string
	data        []byte
}

// readUpload parses the multipart form and reads its "file" part. On failure
// it writes the response itself and returns false.
func readUpload(w http.ResponseWriter, r *http.Request) (*uploadedFile, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeJSONError(w, fileTooLargeMessage, http.StatusRequestEntityTooLarge)
			return nil, false
		}
		writeJSONError(w, "Error parsing form", http.StatusBadRequest)
		return nil, false
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		writeJSONError(w, errorMsg, http.StatusBadRequest)
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSONError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return nil, false
	}

	return &uploadedFile{
		name:        header.Filename,
		contentType: detectContentType(header.Header.Get("Content-Type"), header.Filename),
		data:        data,
	}, true
}

// optionalFloat parses a form or query value. Blank means absent.
func optionalFloat(values map[string][]string, key string) (*float64, error) {
	raw := strings.TrimSpace(firstValue(values, key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.Replace(raw, ",", ".", 1), 64)
	if err != nil {
		return nil, validationError("%s must be a number", key)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, validationError("%s must be a finite number", key)
	}
	return &v, nil
}

func optionalInt(values map[string][]string, key string) (int, error) {
	raw := strings.TrimSpace(firstValue(values, key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, validationError("%s must be an integer", key)
	}
	return v, nil
}

// optionalTime accepts RFC 3339 timestamps or plain dates
func optionalTime(values map[string][]string, key string) (time.Time, error) {
	raw := strings.TrimSpace(firstValue(values, key))
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, validationError("%s must be a date", key)
	}
	return t, nil
}

func firstValue(values map[string][]string, key string) string {
	if vs := values[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// handleSubmitReceipt accepts a receipt image with its submission details
func (s *Server) handleSubmitReceipt(w http.ResponseWriter, r *http.Request) {
	upload, ok := readUpload(w, r)
	if !ok {
		return
	}
	form := r.MultipartForm.Value

	sub := Submission{
		UserID:        strings.TrimSpace(firstValue(form, "user_id")),
		Filename:      upload.name,
		ContentType:   upload.contentType,
		Image:         upload.data,
		VenueID:       strings.TrimSpace(firstValue(form, "venue_id")),
		OfferID:       strings.TrimSpace(firstValue(form, "offer_id")),
		TransactionID: strings.TrimSpace(firstValue(form, "transaction_id")),
	}

	var err error
	if sub.DeclaredAmount, err = optionalFloat(form, "amount"); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if sub.Latitude, err = optionalFloat(form, "latitude"); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if sub.Longitude, err = optionalFloat(form, "longitude"); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if sub.SubmissionCount, err = optionalInt(form, "submission_count"); err != nil {
		writeServiceError(w, r, err)
		return
	}

	if sub.UserID != "" && !s.allowUpload(sub.UserID) {
		slog.Warn("Upload rate limit exceeded", "user_id", sub.UserID)
		writeJSONError(w, "Too many submissions. Please wait before uploading another receipt.", http.StatusTooManyRequests)
		return
	}

	receipt, err := s.service.Submit(r.Context(), sub)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// handleScanReceipt returns the extracted fields without storing anything
func (s *Server) handleScanReceipt(w http.ResponseWriter, r *http.Request) {
	upload, ok := readUpload(w, r)
	if !ok {
		return
	}
	data, err := s.service.ScanReceipt(r.Context(), upload.data, upload.contentType)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// parseFilter reads a ReceiptFilter from the query string
func parseFilter(query map[string][]string) (ReceiptFilter, error) {
	filter := ReceiptFilter{
		UserID:   firstValue(query, "user_id"),
		Status:   Status(strings.ToUpper(firstValue(query, "status"))),
		Merchant: firstValue(query, "merchant"),
		SortBy:   SortField(firstValue(query, "sort_by")),
	}
	switch strings.ToLower(firstValue(query, "order")) {
	case "", "desc":
	case "asc":
		filter.Ascending = true
	default:
		return ReceiptFilter{}, validationError("order must be asc or desc")
	}

	var err error
	if filter.MinAmount, err = optionalFloat(query, "min_amount"); err != nil {
		return ReceiptFilter{}, err
	}
	if filter.MaxAmount, err = optionalFloat(query, "max_amount"); err != nil {
		return ReceiptFilter{}, err
	}
	if filter.From, err = optionalTime(query, "from"); err != nil {
		return ReceiptFilter{}, err
	}
	if filter.To, err = optionalTime(query, "to"); err != nil {
		return ReceiptFilter{}, err
	}
	if filter.Page, err = optionalInt(query, "page"); err != nil {
		return ReceiptFilter{}, err
	}
	if filter.Limit, err = optionalInt(query, "limit"); err != nil {
		return ReceiptFilter{}, err
	}
	return filter, nil
}

// handleListReceipts returns a filtered page of receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	page, err := s.service.ListReceipts(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handlePendingReview returns the manual review queue
func (s *Server) handlePendingReview(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := optionalInt(query, "page")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	limit, err := optionalInt(query, "limit")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	result, err := s.service.PendingReview(r.Context(), page, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCheckDuplicate reports whether an image hash was already submitted
func (s *Server) handleCheckDuplicate(w http.ResponseWriter, r *http.Request) {
	existing, err := s.service.CheckDuplicate(r.Context(), r.URL.Query().Get("hash"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response := map[string]any{"duplicate": existing != nil}
	if existing != nil {
		response["receiptId"] = existing.ID
		response["status"] = existing.Status
	}
	writeJSON(w, http.StatusOK, response)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.GetReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleGetReceiptFile returns the image for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReviewReceipt applies an admin approve or reject
func (s *Server) handleReviewReceipt(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	req.Action = ReviewAction(strings.ToUpper(string(req.Action)))

	receipt, err := s.service.Review(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleApplyCashback marks a receipt's cashback as paid
func (s *Server) handleApplyCashback(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.ApplyCashback(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleExpireReceipt retires a receipt
func (s *Server) handleExpireReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.Expire(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type bulkRequest struct {
	IDs        []string `json:"ids" validate:"required,min=1,dive,required"`
	ReviewedBy string   `json:"reviewedBy" validate:"required"`
	Reason     string   `json:"reason"`
}

func (s *Server) decodeBulk(r *http.Request) (*bulkRequest, error) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, validationFailed(err)
	}
	return &req, nil
}

// handleBulkApprove approves several receipts, reporting each outcome
func (s *Server) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeBulk(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	result, err := s.service.BulkApprove(r.Context(), req.IDs, req.ReviewedBy)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleBulkReject rejects several receipts with one reason
func (s *Server) handleBulkReject(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeBulk(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	result, err := s.service.BulkReject(r.Context(), req.IDs, req.Reason, req.ReviewedBy)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) saveVenueConfig(w http.ResponseWriter, r *http.Request, venueID string) {
	var config VenueConfig
	if err := decodeJSON(r, &config); err != nil {
		writeServiceError(w, r, err)
		return
	}
	config.VenueID = venueID
	if err := s.service.SaveVenueConfig(r.Context(), &config); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, config)
}

// handlePutGlobalConfig sets the policy for venues without their own
func (s *Server) handlePutGlobalConfig(w http.ResponseWriter, r *http.Request) {
	s.saveVenueConfig(w, r, "")
}

// handlePutVenueConfig sets one venue's policy
func (s *Server) handlePutVenueConfig(w http.ResponseWriter, r *http.Request) {
	s.saveVenueConfig(w, r, r.PathValue("id"))
}

// handlePutMerchant sets a merchant's whitelist status
func (s *Server) handlePutMerchant(w http.ResponseWriter, r *http.Request) {
	var merchant Merchant
	if err := decodeJSON(r, &merchant); err != nil {
		writeServiceError(w, r, err)
		return
	}
	merchant.Name = r.PathValue("name")
	merchant.Status = MerchantStatus(strings.ToUpper(string(merchant.Status)))
	if err := s.service.SaveMerchant(r.Context(), &merchant); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, merchant)
}

// handlePutOffer creates or replaces an offer
func (s *Server) handlePutOffer(w http.ResponseWriter, r *http.Request) {
	var offer Offer
	if err := decodeJSON(r, &offer); err != nil {
		writeServiceError(w, r, err)
		return
	}
	offer.ID = r.PathValue("id")
	if err := s.service.SaveOffer(r.Context(), &offer); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// handlePutCard sets a user's card tier
func (s *Server) handlePutCard(w http.ResponseWriter, r *http.Request) {
	var card Card
	if err := decodeJSON(r, &card); err != nil {
		writeServiceError(w, r, err)
		return
	}
	card.UserID = r.PathValue("id")
	card.Type = cashback.CardType(strings.ToUpper(string(card.Type)))
	if err := s.service.SaveCard(r.Context(), &card); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

