package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Fireworks", func() {
	var (
		server    *ghttp.Server
		extractor *Fireworks
		timeout   time.Duration
		captured  chatRequest
		resp      *Response
		err       error
	)

	completion := func(content string, usage *TokenUsage) map[string]any {
		body := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		if usage != nil {
			body["usage"] = usage
		}
		return body
	}

	capture := func(w http.ResponseWriter, r *http.Request) {
		defer GinkgoRecover()
		Expect(json.NewDecoder(r.Body).Decode(&captured)).To(Succeed())
	}

	BeforeEach(func() {
		server = ghttp.NewServer()
		timeout = time.Second
		captured = chatRequest{}
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		var newErr error
		extractor, newErr = NewFireworks(FireworksConfig{
			APIKey:  "test-key",
			BaseURL: server.URL() + "/inference/v1/chat/completions",
			Timeout: timeout,
		})
		Expect(newErr).NotTo(HaveOccurred())
		resp, err = extractor.Extract(context.Background(), []byte("fake-jpeg"), "image/jpeg")
	})

	When("the model answers with valid JSON and usage", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/inference/v1/chat/completions"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer test-key"),
				ghttp.VerifyContentType("application/json"),
				capture,
				ghttp.RespondWithJSONEncoded(http.StatusOK, completion(
					`{"subscription_name": "Netflix", "amount": 15.49, "currency": "USD", "billing_cycle": "monthly", "confidence_score": 0.9, "raw_text": "NETFLIX"}`,
					&TokenUsage{PromptTokens: 1200, CompletionTokens: 150, TotalTokens: 1350},
				)),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the parsed extraction", func() {
			Expect(resp.Extraction.SubscriptionName).To(Equal("Netflix"))
			Expect(resp.Extraction.ConfidenceScore).To(Equal(0.9))
		})

		It("should report both the flat total and the breakdown", func() {
			Expect(resp.TokensUsed).To(HaveValue(Equal(1350)))
			Expect(resp.Usage).To(Equal(&TokenUsage{PromptTokens: 1200, CompletionTokens: 150, TotalTokens: 1350}))
		})

		It("should report the model", func() {
			Expect(resp.Model).To(Equal(DefaultFireworksModel))
		})

		It("should send the system prompt and the image as a data URI", func() {
			Expect(captured.Model).To(Equal(DefaultFireworksModel))
			Expect(captured.MaxTokens).To(Equal(1024))
			Expect(captured.Temperature).To(Equal(0.1))
			Expect(captured.ResponseFormat.Type).To(Equal("json_object"))
			Expect(captured.Messages).To(HaveLen(2))
			Expect(captured.Messages[0].Content).To(Equal(systemPrompt))

			parts, ok := captured.Messages[1].Content.([]any)
			Expect(ok).To(BeTrue())
			Expect(parts).To(HaveLen(2))
			image := parts[1].(map[string]any)["image_url"].(map[string]any)
			Expect(image["url"]).To(Equal("data:image/jpeg;base64,ZmFrZS1qcGVn"))
		})
	})

	When("the provider omits usage", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, completion(
				`{"subscription_name": "Hulu", "confidence_score": 0.8}`, nil,
			)))
		})

		It("should leave token accounting nil rather than zero", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.TokensUsed).To(BeNil())
			Expect(resp.Usage).To(BeNil())
		})
	})

	When("the model names nothing but claims high confidence", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, completion(
				`{"subscription_name": "Unknown", "confidence_score": 0.99}`, nil,
			)))
		})

		It("should cap confidence", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Extraction.ConfidenceScore).To(Equal(0.3))
		})
	})

	When("the model answers with prose", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, completion(
				"The image is too dark to read.", nil,
			)))
		})

		It("should degrade to a zero-confidence fallback", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Extraction.SubscriptionName).To(Equal(UnknownName))
			Expect(resp.Extraction.ConfidenceScore).To(BeZero())
			Expect(resp.Extraction.RawText).To(Equal("The image is too dark to read."))
			Expect(resp.RawContent).To(Equal("The image is too dark to read."))
		})
	})

	When("the model answers with empty content", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, completion("", nil)))
		})

		It("should return ErrNoContent", func() {
			Expect(err).To(MatchError(ErrNoContent))
			Expect(resp).To(BeNil())
		})
	})

	When("the provider returns an error status", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, strings.Repeat("x", 2000)))
		})

		It("should return a status error with a truncated body", func() {
			var statusErr *StatusError
			Expect(errors.As(err, &statusErr)).To(BeTrue())
			Expect(statusErr.StatusCode).To(Equal(http.StatusTooManyRequests))
			Expect(statusErr.Body).To(HaveLen(500))
		})
	})

	When("the provider does not answer within the timeout", func() {
		BeforeEach(func() {
			timeout = 50 * time.Millisecond
			server.AppendHandlers(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			})
		})

		It("should return ErrTimeout", func() {
			Expect(err).To(MatchError(ErrTimeout))
		})
	})
})

var _ = Describe("NewFireworks", func() {
	When("no api key is given", func() {
		It("should return an error", func() {
			_, err := NewFireworks(FireworksConfig{})
			Expect(err).To(HaveOccurred())
		})
	})
})
