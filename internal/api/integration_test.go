package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"go.uber.org/zap"

	"github.com/zombor/receiptsnap/internal/clock"
	"github.com/zombor/receiptsnap/internal/device"
	"github.com/zombor/receiptsnap/internal/extraction"
	"github.com/zombor/receiptsnap/internal/identity"
	"github.com/zombor/receiptsnap/internal/model"
	"github.com/zombor/receiptsnap/internal/notify"
	"github.com/zombor/receiptsnap/internal/push"
	"github.com/zombor/receiptsnap/internal/receipt"
	"github.com/zombor/receiptsnap/internal/store"
)

// stubExtractor answers every image with the same model output
type stubExtractor struct {
	content string
}

func (s *stubExtractor) Extract(context.Context, []byte, string) (*extraction.Response, error) {
	parsed := extraction.ParseContent(s.content)
	return &extraction.Response{Extraction: parsed.Result, RawContent: s.content, Model: extraction.DefaultFireworksModel}, nil
}

func (s *stubExtractor) Close() error { return nil }

type frozenClock struct {
	now time.Time
}

func (f *frozenClock) Now() time.Time { return f.now }

var _ clock.TimeSource = (*frozenClock)(nil)

var _ = Describe("Integration", func() {
	const jwtSecret = "integration-secret-with-enough-length-1234"

	var (
		db       *store.BoltDB
		storage  *receipt.LocalStorage
		fcm      *ghttp.Server
		ghServer *ghttp.Server
		clk      *frozenClock
		bearer   string
	)

	call := func(path, auth string, payload any) (int, map[string]any) {
		raw, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		req, err := http.NewRequest(http.MethodPost, ghServer.URL()+path, strings.NewReader(string(raw)))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp.StatusCode, decodeJSON(resp)
	}

	BeforeEach(func() {
		tempDir := GinkgoT().TempDir()
		var err error
		db, err = store.NewBoltDB(filepath.Join(tempDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
		storage, err = receipt.NewLocalStorage(filepath.Join(tempDir, "receipts"))
		Expect(err).NotTo(HaveOccurred())

		clk = &frozenClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}

		key, err := rsa.GenerateKey(rand.Reader, 2048)
		Expect(err).NotTo(HaveOccurred())
		keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

		fcm = ghttp.NewServer()
		fcm.RouteToHandler("POST", "/token", ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
			"access_token": "ya29.test",
			"expires_in":   3600,
			"token_type":   "Bearer",
		}))
		fcm.RouteToHandler("POST", "/v1/projects/receiptsnap-test/messages:send", ghttp.CombineHandlers(
			ghttp.VerifyHeaderKV("Authorization", "Bearer ya29.test"),
			ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{"name": "projects/receiptsnap-test/messages/1"}),
		))

		account := push.ServiceAccount{ProjectID: "receiptsnap-test", ClientEmail: "push@receiptsnap-test.iam.gserviceaccount.com", PrivateKey: keyPEM}
		auth, err := push.NewAuthenticator(account, fcm.URL()+"/token", nil, &push.TokenCache{}, clk)
		Expect(err).NotTo(HaveOccurred())
		sender := push.New(push.Config{Account: account, SendURL: fcm.URL() + "/v1/projects/%s/messages:send"}, auth)

		extractor := &stubExtractor{content: "```json\n" + `{"subscription_name":"Spotify Premium","amount":10.99,"currency":"USD","billing_cycle":"monthly","next_charge_date":"2025-03-11","confidence_score":0.95}` + "\n```"}

		server := NewServer(Services{
			Receipts: receipt.NewServiceWithDeps(db, extractor, storage, zap.NewNop(), clock.UUIDGenerator{}, clk),
			Devices:  device.NewServiceWithDeps(db, zap.NewNop(), clock.UUIDGenerator{}, clk),
			Renewals: notify.NewSchedulerWithDeps(db, sender, zap.NewNop(), time.UTC, clock.UUIDGenerator{}, clk),
			Verifier: identity.NewJWTVerifier(jwtSecret),
			Users:    db,
		}, "", zap.NewNop())

		ghServer = ghttp.NewServer()
		ghServer.RouteToHandler("POST", "/process-receipt", server.ServeHTTP)
		ghServer.RouteToHandler("POST", "/update-fcm-token", server.ServeHTTP)
		ghServer.RouteToHandler("POST", "/notify-renewals", server.ServeHTTP)

		token, err := identity.IssueToken(jwtSecret, identity.Claims{
			Email: "ada@example.com",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "5f0d6c1e-1111-4a7b-9c1e-000000000001",
				Audience:  jwt.ClaimStrings{identity.Audience},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		Expect(err).NotTo(HaveOccurred())
		bearer = "Bearer " + token
	})

	AfterEach(func() {
		ghServer.Close()
		fcm.Close()
		db.Close()
	})

	It("should turn a receipt into a reminder delivered once per day", func() {
		By("registering a device")
		status, body := call("/update-fcm-token", bearer, map[string]string{"fcm_token": "fcm-abc", "device_platform": "android"})
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["message"]).To(Equal("FCM token registered"))

		By("processing a receipt")
		image := base64.StdEncoding.EncodeToString([]byte("\xff\xd8\xff fake jpeg"))
		status, body = call("/process-receipt", bearer, map[string]string{"image_base64": image, "filename": "spotify.jpg"})
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["requires_review"]).To(BeFalse())
		receiptID := body["receipt_id"].(string)

		stored, err := db.GetReceipt(context.Background(), receiptID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.ProcessingStatus).To(Equal(model.StatusCompleted))
		Expect(stored.StoragePath).To(Equal(fmt.Sprintf("5f0d6c1e-1111-4a7b-9c1e-000000000001/%s.jpg", receiptID)))

		data, err := storage.Get(context.Background(), stored.StoragePath)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("\xff\xd8\xff fake jpeg")))

		subID := body["subscription"].(map[string]any)["id"].(string)
		sub, err := db.GetSubscription(context.Background(), subID)
		Expect(err).NotTo(HaveOccurred())
		Expect(sub.ReceiptID).To(HaveValue(Equal(receiptID)))

		audit, err := db.AuditLogs(context.Background(), subID)
		Expect(err).NotTo(HaveOccurred())
		Expect(audit).To(HaveLen(1))
		Expect(audit[0].Action).To(Equal("create"))

		user, err := db.GetUser(context.Background(), "5f0d6c1e-1111-4a7b-9c1e-000000000001")
		Expect(err).NotTo(HaveOccurred())
		Expect(user.NotificationPreferences).To(Equal(model.DefaultNotificationPreferences()))

		By("running the renewal scan")
		status, body = call("/notify-renewals", "", nil)
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["summary"]).To(Equal(map[string]any{"total": 1.0, "sent": 1.0, "failed": 0.0, "skipped": 0.0}))

		By("running it again the same day")
		status, body = call("/notify-renewals", "", nil)
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["summary"]).To(HaveKeyWithValue("skipped", 1.0))
		results := body["results"].([]any)
		Expect(results[0]).To(HaveKeyWithValue("reason", "Already notified today"))

		Expect(fcm.ReceivedRequests()).To(HaveLen(2))
	})

	It("should reject callers without a valid token", func() {
		status, body := call("/process-receipt", "Bearer not-a-jwt", map[string]string{"image_base64": "aGVsbG8="})
		Expect(status).To(Equal(http.StatusUnauthorized))
		Expect(body["error"]).To(Equal("Invalid token"))
	})
})
