package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/services/testutil"
)

func getLedgerURL() string {
	if url := os.Getenv("LEDGER_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func getJWTSecret() []byte {
	if secret := os.Getenv("LEDGER_JWT_SECRET"); secret != "" {
		return []byte(secret)
	}
	return []byte("dev-secret")
}

func getKafkaBrokers() []string {
	raw := os.Getenv("KAFKA_BROKERS")
	if raw == "" {
		return []string{"localhost:9092"}
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func skipUnlessIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}
}

func userToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := testutil.GenerateJWT(subject, getJWTSecret(), time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func adminToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := testutil.GenerateAdminJWT(subject, getJWTSecret(), time.Hour)
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}
	return token
}

func makeLedgerRequest(method, path string, body any, token string) (*http.Response, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(method, getLedgerURL()+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}

// doJSON performs the request, checks the status and decodes the body into
// out when out is non-nil.
func doJSON(t *testing.T, method, path string, body any, token string, wantStatus int, out any) {
	t.Helper()
	resp, err := makeLedgerRequest(method, path, body, token)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, wantStatus, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func waitForLedger(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := makeLedgerRequest(http.MethodGet, "/readyz", nil, "")
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}

	t.Fatal("ledger not ready within timeout")
}
