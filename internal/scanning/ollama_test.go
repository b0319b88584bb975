package scanning

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("OllamaEngine", func() {
	var server *ghttp.Server

	BeforeEach(func() {
		server = ghttp.NewServer()
	})

	AfterEach(func() {
		server.Close()
	})

	When("the server is reachable", func() {
		var engine Engine

		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/api/tags"),
				ghttp.RespondWith(http.StatusOK, `{"models":[]}`),
			))

			var err error
			engine, err = NewOllama(server.URL(), "llava")(context.Background())
			Expect(err).NotTo(HaveOccurred())
		})

		It("transcribes the image", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: `{"text":"Shop\nTotal 3.00","confidence":64}`},
					Done:    true,
				}),
			))

			result, err := engine.Recognize(context.Background(), []byte("png"), DefaultLanguage)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(Equal("Shop\nTotal 3.00"))
			Expect(result.Confidence).To(Equal(64.0))
		})

		It("returns an error on a failed chat call", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))

			_, err := engine.Recognize(context.Background(), []byte("png"), DefaultLanguage)
			Expect(err).To(MatchError(ContainSubstring("model not loaded")))
		})

		It("returns an error on an unusable transcription", func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: "sorry"},
				Done:    true,
			}))

			_, err := engine.Recognize(context.Background(), []byte("png"), DefaultLanguage)
			Expect(err).To(MatchError(ContainSubstring("parsing transcription")))
		})
	})

	When("the server does not answer the health check", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, ""))
		})

		It("fails the engine setup", func() {
			_, err := NewOllama(server.URL(), "llava")(context.Background())
			Expect(err).To(MatchError(ContainSubstring("status 503")))
		})
	})
})
