package main_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	testAppBinary  = "./gavel_test_app"
	testAppPort    = "8089"
	testAppURL     = "http://localhost:" + testAppPort
	testDbName     = "gavel_integration"
	adminSignupKey = "integration-admin-key"
	startupTimeout = 15 * time.Second
	pingEndpoint   = testAppURL + "/v1/ping"
)

// TestMain builds the binary, starts it in API mode against a test
// database, and tears everything down afterwards.
func TestMain(m *testing.M) {
	defer func() {
		_ = os.Remove(testAppBinary)
	}()

	godotenv.Load()
	if os.Getenv("MONGO_URI") == "" {
		log.Println("MONGO_URI not set, skipping integration tests.")
		return
	}

	log.Println("Integration Test Setup: Building application...")
	buildCmd := exec.Command("go", "build", "-o", testAppBinary, ".")
	if out, err := buildCmd.CombinedOutput(); err != nil {
		log.Printf("Failed to build application: %v\nOutput:\n%s", err, string(out))
		os.Exit(1)
	}

	if err := dropTestDatabase(); err != nil {
		log.Printf("Failed to reset test database: %v", err)
		os.Exit(1)
	}
	defer func() {
		_ = dropTestDatabase()
	}()

	apiCmd := exec.Command(testAppBinary, "-m", "api")
	apiCmd.Env = append(os.Environ(),
		"API_PORT="+testAppPort,
		"MONGO_DB_NAME="+testDbName,
		"JWT_SECRET=integration-test-secret",
		"ADMIN_SIGNUP_KEY="+adminSignupKey,
		"GIN_MODE=release",
		"RATE_LIMIT_BUCKET_SIZE=100",
		"RATE_LIMIT_REFILL_RATE=100",
		"REDIS_ADDR=localhost:6379",
		"SMTP_FROM_ADDRESS=test@example.com",
	)
	apiCmd.Stderr = os.Stderr
	apiCmd.Stdout = os.Stdout

	log.Println("Integration Test Setup: Starting API process...")
	if err := apiCmd.Start(); err != nil {
		log.Printf("Failed to start API process: %v", err)
		os.Exit(1)
	}

	defer func() {
		log.Println("Integration Test Teardown: Stopping API process...")
		if err := apiCmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = apiCmd.Process.Kill()
		} else {
			_, _ = apiCmd.Process.Wait()
		}
	}()

	// Poll ping until the server is up.
	ready := false
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(pingEndpoint)
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK && string(body) == "pong" {
				ready = true
				break
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	if !ready {
		log.Printf("Application failed to start within %v", startupTimeout)
		os.Exit(1)
	}

	m.Run()
}

func dropTestDatabase() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(os.Getenv("MONGO_URI")))
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)
	return client.Database(testDbName).Drop(ctx)
}

// --- HTTP helpers ---

func postJSON(t *testing.T, path, token string, payload interface{}) (int, map[string]interface{}) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest("POST", testAppURL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var respBody map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &respBody)
	}
	return resp.StatusCode, respBody
}

func getJSON(t *testing.T, path, token string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest("GET", testAppURL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var respBody map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &respBody)
	}
	return resp.StatusCode, respBody
}

func registerUser(t *testing.T, name, email, adminKey string) string {
	t.Helper()
	status, body := postJSON(t, "/v1/auth/register", "", map[string]interface{}{
		"name":      name,
		"email":     email,
		"password":  "integration-pass",
		"admin_key": adminKey,
	})
	require.Equal(t, http.StatusCreated, status, "registering %s: %v", email, body)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

// --- Tests ---

func TestIntegration_Ping(t *testing.T) {
	resp, err := http.Get(pingEndpoint)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestIntegration_AuctionFlow runs one listing through its whole life:
// create, approve, open, bid, close, settle, winner.
func TestIntegration_AuctionFlow(t *testing.T) {
	adminToken := registerUser(t, "Admin", "admin@example.com", adminSignupKey)
	sellerToken := registerUser(t, "Seller", "seller@example.com", "")
	bidderToken := registerUser(t, "Bidder", "bidder@example.com", "")
	rivalToken := registerUser(t, "Rival", "rival@example.com", "")

	// Short window so the test can ride the whole lifecycle in real time.
	openAt := time.Now().Add(2 * time.Second).UTC()
	closeAt := openAt.Add(4 * time.Second)

	status, created := postJSON(t, "/v1/listing", sellerToken, map[string]interface{}{
		"title":          "Integration Clock",
		"description":    "Keeps almost perfect time",
		"category":       "other",
		"starting_price": 10.0,
		"open_at":        openAt.Format(time.RFC3339),
		"close_at":       closeAt.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, status, "%v", created)
	listingID, _ := created["id"].(string)
	require.NotEmpty(t, listingID)
	assert.Equal(t, "pending", created["status"])

	// Bidding before approval is rejected.
	status, _ = postJSON(t, "/v1/listing/"+listingID+"/bid", bidderToken, map[string]interface{}{"amount": 15.0})
	assert.Equal(t, http.StatusConflict, status)

	// Non-admins cannot approve.
	status, _ = postJSON(t, "/v1/admin/listing/"+listingID+"/approve", sellerToken, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, approved := postJSON(t, "/v1/admin/listing/"+listingID+"/approve", adminToken, nil)
	require.Equal(t, http.StatusOK, status, "%v", approved)
	assert.Equal(t, "approved", approved["status"])

	// Approving twice conflicts.
	status, _ = postJSON(t, "/v1/admin/listing/"+listingID+"/approve", adminToken, nil)
	assert.Equal(t, http.StatusConflict, status)

	// Wait for the window to open; reading the listing activates it.
	time.Sleep(time.Until(openAt.Add(500 * time.Millisecond)))
	status, fetched := getJSON(t, "/v1/listing/"+listingID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", fetched["status"])

	// Seller cannot bid on their own listing.
	status, _ = postJSON(t, "/v1/listing/"+listingID+"/bid", sellerToken, map[string]interface{}{"amount": 20.0})
	assert.Equal(t, http.StatusForbidden, status)

	// A bid must beat the current price; rejection echoes it.
	status, tooLow := postJSON(t, "/v1/listing/"+listingID+"/bid", bidderToken, map[string]interface{}{"amount": 10.0})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 10.0, tooLow["current_price"])

	status, _ = postJSON(t, "/v1/listing/"+listingID+"/bid", bidderToken, map[string]interface{}{"amount": 15.0})
	require.Equal(t, http.StatusCreated, status)
	status, _ = postJSON(t, "/v1/listing/"+listingID+"/bid", rivalToken, map[string]interface{}{"amount": 25.0})
	require.Equal(t, http.StatusCreated, status)

	// Wait for the window to close, then settle via the admin sweep.
	time.Sleep(time.Until(closeAt.Add(500 * time.Millisecond)))
	status, _ = postJSON(t, "/v1/listing/"+listingID+"/bid", bidderToken, map[string]interface{}{"amount": 30.0})
	assert.Equal(t, http.StatusConflict, status)

	status, swept := postJSON(t, "/v1/admin/sweep", adminToken, nil)
	require.Equal(t, http.StatusOK, status, "%v", swept)

	status, settled := getJSON(t, "/v1/listing/"+listingID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "sold", settled["status"])
	assert.Equal(t, 25.0, settled["current_price"])
	assert.NotEmpty(t, settled["winner_id"])

	// The winner shows up in the rival's bid history.
	status, history := getJSON(t, "/v1/me/bids", rivalToken)
	require.Equal(t, http.StatusOK, status)
	data, _ := history["data"].([]interface{})
	assert.Len(t, data, 1)
}

// TestIntegration_UnsoldFlow verifies a no-bid auction settles unsold.
func TestIntegration_UnsoldFlow(t *testing.T) {
	adminToken := registerUser(t, "Admin2", "admin2@example.com", adminSignupKey)
	sellerToken := registerUser(t, "Seller2", "seller2@example.com", "")

	openAt := time.Now().Add(1 * time.Second).UTC()
	closeAt := openAt.Add(1 * time.Second)

	status, created := postJSON(t, "/v1/listing", sellerToken, map[string]interface{}{
		"title":          "Unwanted Vase",
		"description":    "Chipped",
		"category":       "other",
		"starting_price": 5.0,
		"open_at":        openAt.Format(time.RFC3339),
		"close_at":       closeAt.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, status, "%v", created)
	listingID, _ := created["id"].(string)

	status, _ = postJSON(t, "/v1/admin/listing/"+listingID+"/approve", adminToken, nil)
	require.Equal(t, http.StatusOK, status)

	// Let the whole window elapse, then read: settle-on-read takes it
	// through active straight to unsold.
	time.Sleep(time.Until(closeAt.Add(500 * time.Millisecond)))
	status, settled := getJSON(t, "/v1/listing/"+listingID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "unsold", settled["status"])
	assert.Nil(t, settled["winner_id"])
}

func TestIntegration_RejectedListingIsTerminal(t *testing.T) {
	adminToken := registerUser(t, "Admin3", "admin3@example.com", adminSignupKey)
	sellerToken := registerUser(t, "Seller3", "seller3@example.com", "")

	openAt := time.Now().Add(1 * time.Hour).UTC()
	closeAt := openAt.Add(1 * time.Hour)

	status, created := postJSON(t, "/v1/listing", sellerToken, map[string]interface{}{
		"title":          "Dubious Goods",
		"description":    "Provenance unclear",
		"category":       "jewelry",
		"starting_price": 100.0,
		"open_at":        openAt.Format(time.RFC3339),
		"close_at":       closeAt.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, status, "%v", created)
	listingID, _ := created["id"].(string)

	status, rejected := postJSON(t, "/v1/admin/listing/"+listingID+"/reject", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "rejected", rejected["status"])

	// No way back.
	status, _ = postJSON(t, "/v1/admin/listing/"+listingID+"/approve", adminToken, nil)
	assert.Equal(t, http.StatusConflict, status)

	fmt.Println("rejected listing stayed terminal")
}
