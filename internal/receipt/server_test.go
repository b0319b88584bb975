package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"golang.org/x/time/rate"

	"github.com/boomcard/receipt-trust/internal/cashback"
	"github.com/boomcard/receipt-trust/internal/scanning"
)

// multipartUpload builds a receipt upload form
func multipartUpload(fields map[string]string, filename string, content []byte) (io.Reader, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		Expect(writer.WriteField(k, v)).To(Succeed())
	}
	if filename != "" {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
		header.Set("Content-Type", "image/jpeg")
		part, err := writer.CreatePart(header)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(content)
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

func decodeBody(resp *http.Response, v any) {
	defer resp.Body.Close()
	Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		recognizer  *mockRecognizer
		service     *Service
		server      *Server
		auth        BasicAuth
		opts        []ServerOption
		ghttpServer *ghttp.Server
		now         time.Time
	)

	BeforeEach(func() {
		now = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
		db = newMockDB()
		storage = newMockStorage()
		recognizer = &mockRecognizer{
			recognition: &scanning.Recognition{Text: "Cafe X\nTotal: 12.50 BGN", Confidence: 92},
		}
		service = NewServiceWithDeps(db, recognizer, storage, &mockIDGenerator{}, &mockTimeSource{now: now})
		auth = BasicAuth{}
		opts = nil
	})

	JustBeforeEach(func() {
		server = NewServerWithMux(service, auth, http.NewServeMux(), opts...)
		ghttpServer = ghttp.NewServer()
		anyPath := regexp.MustCompile(".*")
		for _, method := range []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, anyPath, server.ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
		server.Stop()
	})

	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	doJSON := func(method, path string, payload any) *http.Response {
		data, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		return do(method, path, bytes.NewReader(data), "application/json")
	}

	upload := func(fields map[string]string, content []byte) *http.Response {
		body, contentType := multipartUpload(fields, "receipt.jpg", content)
		return do("POST", "/api/receipts", body, contentType)
	}

	errorMessage := func(resp *http.Response) string {
		var body map[string]string
		decodeBody(resp, &body)
		return body["error"]
	}

	Describe("POST /api/receipts", func() {
		It("scores and stores the receipt", func() {
			resp := upload(map[string]string{"user_id": "user-1", "amount": "12.50"}, []byte("image-1"))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var receipt Receipt
			decodeBody(resp, &receipt)
			Expect(receipt.Status).To(Equal(StatusApproved))
			Expect(receipt.CashbackAmount).To(Equal(0.63))
			Expect(receipt.ContentType).To(Equal("image/jpeg"))
			Expect(db.receipts).To(HaveKey(receipt.ID))
		})

		It("accepts a comma as the decimal separator", func() {
			resp := upload(map[string]string{"user_id": "user-1", "amount": "25,00"}, []byte("image-1"))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var receipt Receipt
			decodeBody(resp, &receipt)
			Expect(receipt.TotalAmount).To(Equal(25.0))
		})

		It("returns 409 for an image submitted twice", func() {
			resp := upload(map[string]string{"user_id": "user-1"}, []byte("image-1"))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			resp.Body.Close()

			resp = upload(map[string]string{"user_id": "user-2"}, []byte("image-1"))
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(errorMessage(resp)).To(ContainSubstring("duplicate receipt"))
		})

		It("returns 400 without a file", func() {
			body, contentType := multipartUpload(map[string]string{"user_id": "user-1"}, "", nil)
			resp := do("POST", "/api/receipts", body, contentType)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorMessage(resp)).To(ContainSubstring("No file was selected"))
		})

		It("returns 400 without a user", func() {
			resp := upload(map[string]string{}, []byte("image-1"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("returns 400 for a malformed amount", func() {
			resp := upload(map[string]string{"user_id": "user-1", "amount": "lots"}, []byte("image-1"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorMessage(resp)).To(ContainSubstring("amount must be a number"))
		})

		DescribeTable("rejects amounts that are not finite",
			func(amount string) {
				resp := upload(map[string]string{"user_id": "user-1", "amount": amount}, []byte("image-1"))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(errorMessage(resp)).To(ContainSubstring("amount must be a finite number"))
				Expect(db.receipts).To(BeEmpty())
			},
			Entry(nil, "Inf"),
			Entry(nil, "+Inf"),
			Entry(nil, "-Inf"),
			Entry(nil, "NaN"),
		)

		It("rejects a position that is not finite", func() {
			resp := upload(map[string]string{"user_id": "user-1", "latitude": "NaN", "longitude": "23.3"}, []byte("image-1"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("returns 422 when the text cannot be read", func() {
			recognizer.errs = []error{fmt.Errorf("%w: blank page", scanning.ErrRecognition)}
			resp := upload(map[string]string{"user_id": "user-1"}, []byte("image-1"))
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			resp.Body.Close()
		})

		It("returns 503 when the engine cannot start", func() {
			recognizer.errs = []error{fmt.Errorf("%w: no tessdata", scanning.ErrEngineInit)}
			resp := upload(map[string]string{"user_id": "user-1"}, []byte("image-1"))
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			resp.Body.Close()
		})

		When("uploads are rate limited", func() {
			BeforeEach(func() {
				opts = []ServerOption{WithUploadRateLimit(rate.Every(time.Hour), 1)}
			})

			It("returns 429 once a user spends the burst", func() {
				resp := upload(map[string]string{"user_id": "user-1"}, []byte("image-1"))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				resp.Body.Close()

				resp = upload(map[string]string{"user_id": "user-1"}, []byte("image-2"))
				Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
				resp.Body.Close()
			})

			It("forgets users who have been idle", func() {
				Expect(server.allowUpload("user-1")).To(BeTrue())
				Expect(server.allowUpload("user-2")).To(BeTrue())
				Expect(server.limiters).To(HaveLen(2))

				server.evictIdleLimiters(time.Now())
				Expect(server.limiters).To(HaveLen(2))

				server.evictIdleLimiters(time.Now().Add(limiterIdleTimeout + time.Minute))
				Expect(server.limiters).To(BeEmpty())
			})

			It("keeps a limiter until its burst has refilled", func() {
				slow := NewServerWithMux(service, auth, http.NewServeMux(), WithUploadRateLimit(rate.Every(3*time.Hour), 1))
				defer slow.Stop()

				Expect(slow.allowUpload("user-1")).To(BeTrue())
				slow.evictIdleLimiters(time.Now().Add(2 * time.Hour))
				Expect(slow.allowUpload("user-1")).To(BeFalse())
			})

			It("can be stopped twice", func() {
				server.Stop()
				Expect(server.Stop).NotTo(Panic())
			})

			It("limits each user separately", func() {
				resp := upload(map[string]string{"user_id": "user-1"}, []byte("image-1"))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				resp.Body.Close()

				resp = upload(map[string]string{"user_id": "user-2"}, []byte("image-2"))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				resp.Body.Close()
			})
		})
	})

	Describe("POST /api/receipts/ocr", func() {
		It("returns the extracted fields without storing anything", func() {
			body, contentType := multipartUpload(nil, "receipt.jpg", []byte("image-1"))
			resp := do("POST", "/api/receipts/ocr", body, contentType)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var data scanning.ReceiptData
			decodeBody(resp, &data)
			Expect(data.MerchantName).To(Equal("Cafe X"))
			Expect(data.TotalAmount).To(HaveValue(Equal(12.5)))
			Expect(db.receipts).To(BeEmpty())
			Expect(storage.files).To(BeEmpty())
		})
	})

	Describe("listing", func() {
		BeforeEach(func() {
			db.receipts["a"] = &Receipt{ID: "a", UserID: "user-1", Status: StatusApproved, ImageHash: "ha", TotalAmount: 10, CreatedAt: now.Add(-2 * time.Hour)}
			db.receipts["b"] = &Receipt{ID: "b", UserID: "user-1", Status: StatusManualReview, ImageHash: "hb", TotalAmount: 30, CreatedAt: now.Add(-time.Hour)}
			db.receipts["c"] = &Receipt{ID: "c", UserID: "user-2", Status: StatusManualReview, ImageHash: "hc", TotalAmount: 20, CreatedAt: now}
		})

		It("filters and sorts from the query string", func() {
			resp := do("GET", "/api/receipts?user_id=user-1&sort_by=totalAmount&order=asc", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var page ReceiptPage
			decodeBody(resp, &page)
			Expect(page.Total).To(Equal(2))
			Expect(page.Receipts[0].ID).To(Equal("a"))
			Expect(page.Receipts[1].ID).To(Equal("b"))
		})

		It("accepts lowercase statuses", func() {
			resp := do("GET", "/api/receipts?status=manual_review", nil, "")
			var page ReceiptPage
			decodeBody(resp, &page)
			Expect(page.Total).To(Equal(2))
		})

		It("rejects an unknown status", func() {
			resp := do("GET", "/api/receipts?status=lost", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("rejects an unknown sort order", func() {
			resp := do("GET", "/api/receipts?order=sideways", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("rejects a malformed date", func() {
			resp := do("GET", "/api/receipts?from=yesterday", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("serves the review queue oldest first", func() {
			resp := do("GET", "/api/receipts/pending-review", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var page ReceiptPage
			decodeBody(resp, &page)
			Expect(page.Receipts).To(HaveLen(2))
			Expect(page.Receipts[0].ID).To(Equal("b"))
		})
	})

	Describe("GET /api/receipts/check-duplicate", func() {
		It("reports a known image", func() {
			hash := scanning.HashBytes([]byte("image-1"))
			db.receipts["r1"] = &Receipt{ID: "r1", ImageHash: hash, Status: StatusApproved}

			resp := do("GET", "/api/receipts/check-duplicate?hash="+hash, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body map[string]any
			decodeBody(resp, &body)
			Expect(body).To(HaveKeyWithValue("duplicate", true))
			Expect(body).To(HaveKeyWithValue("receiptId", "r1"))
		})

		It("reports an unknown image", func() {
			resp := do("GET", "/api/receipts/check-duplicate?hash="+scanning.HashBytes([]byte("new")), nil, "")
			var body map[string]any
			decodeBody(resp, &body)
			Expect(body).To(HaveKeyWithValue("duplicate", false))
		})

		It("rejects a missing hash", func() {
			resp := do("GET", "/api/receipts/check-duplicate", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})
	})

	Describe("single receipts", func() {
		BeforeEach(func() {
			db.receipts["r1"] = &Receipt{
				ID:          "r1",
				UserID:      "user-1",
				Status:      StatusManualReview,
				ImageHash:   "h1",
				TotalAmount: 20,
				ImageFile:   "r1_receipt.jpg",
				ContentType: "image/jpeg",
			}
			storage.files["r1_receipt.jpg"] = []byte("jpeg bytes")
		})

		It("returns a receipt", func() {
			resp := do("GET", "/api/receipts/r1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var receipt Receipt
			decodeBody(resp, &receipt)
			Expect(receipt.ID).To(Equal("r1"))
		})

		It("returns 404 for an unknown receipt", func() {
			resp := do("GET", "/api/receipts/missing", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("serves the image with its content type", func() {
			resp := do("GET", "/api/receipts/r1/file", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("jpeg bytes"))
		})

		It("deletes a receipt", func() {
			resp := do("DELETE", "/api/receipts/r1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()
			Expect(db.receipts).NotTo(HaveKey("r1"))
		})

		It("refuses to delete a paid receipt", func() {
			db.receipts["r1"].Status = StatusCashbackApplied
			resp := do("DELETE", "/api/receipts/r1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			resp.Body.Close()
		})

		It("approves on review", func() {
			resp := doJSON("POST", "/api/receipts/r1/review", map[string]any{
				"action":         "approve",
				"reviewedBy":     "admin",
				"verifiedAmount": 30,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var receipt Receipt
			decodeBody(resp, &receipt)
			Expect(receipt.Status).To(Equal(StatusValidated))
			Expect(receipt.CashbackAmount).To(Equal(1.5))
		})

		It("requires a reason to reject", func() {
			resp := doJSON("POST", "/api/receipts/r1/review", map[string]any{
				"action":     "REJECT",
				"reviewedBy": "admin",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("returns 409 for a review in the wrong state", func() {
			db.receipts["r1"].Status = StatusRejected
			resp := doJSON("POST", "/api/receipts/r1/review", map[string]any{
				"action":     "APPROVE",
				"reviewedBy": "admin",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(errorMessage(resp)).To(Equal("cannot approve a receipt in status REJECTED"))
		})

		It("returns 400 for a malformed body", func() {
			resp := do("POST", "/api/receipts/r1/review", strings.NewReader("{"), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("applies cashback once", func() {
			db.receipts["r1"].Status = StatusApproved

			resp := do("POST", "/api/receipts/r1/apply-cashback", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()

			resp = do("POST", "/api/receipts/r1/apply-cashback", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			resp.Body.Close()
		})

		It("expires a receipt", func() {
			resp := do("POST", "/api/receipts/r1/expire", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var receipt Receipt
			decodeBody(resp, &receipt)
			Expect(receipt.Status).To(Equal(StatusExpired))
		})
	})

	Describe("bulk review", func() {
		BeforeEach(func() {
			db.receipts["a"] = &Receipt{ID: "a", Status: StatusManualReview, ImageHash: "ha"}
			db.receipts["b"] = &Receipt{ID: "b", Status: StatusApproved, ImageHash: "hb"}
		})

		It("reports the outcome per receipt", func() {
			resp := doJSON("POST", "/api/receipts/bulk-approve", map[string]any{
				"ids":        []string{"a", "b"},
				"reviewedBy": "admin",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result BulkResult
			decodeBody(resp, &result)
			Expect(result.Succeeded).To(Equal(1))
			Expect(result.Failed).To(Equal(1))
			Expect(result.Items[1].Error).To(ContainSubstring("cannot approve"))
		})

		It("requires a reason for bulk rejection", func() {
			resp := doJSON("POST", "/api/receipts/bulk-reject", map[string]any{
				"ids":        []string{"a"},
				"reviewedBy": "admin",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
			Expect(db.receipts["a"].Status).To(Equal(StatusManualReview))
		})

		It("requires at least one ID", func() {
			resp := doJSON("POST", "/api/receipts/bulk-approve", map[string]any{
				"ids":        []string{},
				"reviewedBy": "admin",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})
	})

	Describe("collaborator data", func() {
		It("stores a venue policy", func() {
			resp := doJSON("PUT", "/api/venues/venue-1/config", map[string]any{
				"latitude":               42.6977,
				"longitude":              23.3219,
				"gpsVerificationEnabled": true,
				"maxScansPerDay":         5,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
			Expect(db.venues).To(HaveKey("venue-1"))
			Expect(db.venues["venue-1"].MaxScansPerDay).To(Equal(5))
		})

		It("stores the global policy", func() {
			resp := doJSON("PUT", "/api/config", map[string]any{"cashbackPercent": 4})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
			Expect(db.venues[""].CashbackPercent).To(Equal(4.0))
		})

		It("rejects an out-of-range policy", func() {
			resp := doJSON("PUT", "/api/venues/venue-1/config", map[string]any{"cashbackPercent": 150})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("stores a merchant status", func() {
			resp := doJSON("PUT", "/api/merchants/Cafe%20X", map[string]any{"status": "blocked", "reason": "fake receipts"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
			Expect(db.merchants["cafe x"].Status).To(Equal(MerchantBlocked))
		})

		It("stores an offer", func() {
			resp := doJSON("PUT", "/api/offers/offer-1", map[string]any{"discountPercent": 3})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
			Expect(db.offers["offer-1"].DiscountPercent).To(Equal(3.0))
		})

		It("stores a card tier", func() {
			resp := doJSON("PUT", "/api/users/user-1/card", map[string]any{"type": "premium"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
			Expect(db.cards["user-1"].Type).To(Equal(cashback.CardPremium))
		})

		It("rejects an unknown card tier", func() {
			resp := doJSON("PUT", "/api/users/user-1/card", map[string]any{"type": "gold"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			resp := do("OPTIONS", "/api/receipts", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})

		It("sets headers on errors", func() {
			resp := do("GET", "/api/receipts/missing", nil, "")
			defer resp.Body.Close()
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		withAuth := func(user, pass string) *http.Response {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			if user != "" {
				req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
			}
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("rejects requests without credentials", func() {
			resp := withAuth("", "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("rejects a wrong password", func() {
			resp := withAuth("admin", "guess")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("accepts the configured credentials", func() {
			resp := withAuth("admin", "secret")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("leaves the health check open", func() {
			resp := do("GET", "/healthz", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	DescribeTable("statusFor",
		func(err error, want int) {
			Expect(statusFor(err)).To(Equal(want))
		},
		Entry("validation", validationError("bad"), http.StatusBadRequest),
		Entry("unreadable image", fmt.Errorf("%w: empty", scanning.ErrUnreadableImage), http.StatusBadRequest),
		Entry("not found", fmt.Errorf("getting receipt: %w", ErrNotFound), http.StatusNotFound),
		Entry("duplicate", ErrDuplicateReceipt, http.StatusConflict),
		Entry("paid out", ErrCashbackApplied, http.StatusConflict),
		Entry("transition", &TransitionError{From: StatusRejected, Event: EventExpire}, http.StatusConflict),
		Entry("engine init", scanning.ErrEngineInit, http.StatusServiceUnavailable),
		Entry("recognition", scanning.ErrRecognition, http.StatusUnprocessableEntity),
		Entry("anything else", errors.New("boom"), http.StatusInternalServerError),
		Entry("cancelled", context.Canceled, http.StatusInternalServerError),
	)
})
