package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/domain"
	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/store"
)

type accountStoreStub struct {
	accounts       map[string]*domain.Account
	retryResult    bool
	assignResult   bool
	listedStatus   string
	retriedAddress string
}

func (s *accountStoreStub) FindByAddress(ctx context.Context, ethAddress string) (*domain.Account, error) {
	if acct, ok := s.accounts[ethAddress]; ok {
		return acct, nil
	}
	return nil, store.ErrAccountNotFound
}

func (s *accountStoreStub) ListAccounts(ctx context.Context, status string, limit int) ([]domain.Account, error) {
	s.listedStatus = status
	var out []domain.Account
	for _, acct := range s.accounts {
		if status == "" || acct.Status == status {
			out = append(out, *acct)
		}
	}
	return out, nil
}

func (s *accountStoreStub) RetryFailed(ctx context.Context, ethAddress string) (bool, error) {
	s.retriedAddress = ethAddress
	return s.retryResult, nil
}

func (s *accountStoreStub) SetSettlementAddress(ctx context.Context, ethAddress, nemAddress string) (bool, error) {
	return s.assignResult, nil
}

func (s *accountStoreStub) GetOrCreate(ctx context.Context, ethAddress string) (*domain.Account, error) {
	if acct, ok := s.accounts[ethAddress]; ok {
		return acct, nil
	}
	return &domain.Account{EthAddress: ethAddress, Status: domain.StatusPending}, nil
}

const testAPIKey = "internal-test-key"

func newTestServer(stub *accountStoreStub) *httptest.Server {
	return httptest.NewServer(Routes(NewAccountHandlers(stub), testAPIKey))
}

func doRequest(t *testing.T, method, url, body string, withKey bool) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if withKey {
		req.Header.Set("X-Internal-API-Key", testAPIKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestAccountEndpoints_RequireInternalKey(t *testing.T) {
	server := newTestServer(&accountStoreStub{})
	defer server.Close()

	resp := doRequest(t, http.MethodGet, server.URL+"/accounts", "", false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint_IsPublic(t *testing.T) {
	server := newTestServer(&accountStoreStub{})
	defer server.Close()

	resp := doRequest(t, http.MethodGet, server.URL+"/health", "", false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for health, got %d", resp.StatusCode)
	}
}

func TestListAccountsHandler_PassesStatusFilter(t *testing.T) {
	stub := &accountStoreStub{accounts: map[string]*domain.Account{
		"0xabc": {EthAddress: "0xabc", Status: domain.StatusFailed},
	}}
	server := newTestServer(stub)
	defer server.Close()

	resp := doRequest(t, http.MethodGet, server.URL+"/accounts?status=failed", "", true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if stub.listedStatus != domain.StatusFailed {
		t.Fatalf("expected uppercased status filter FAILED, got %q", stub.listedStatus)
	}
}

func TestGetAccountHandler_NotFound(t *testing.T) {
	server := newTestServer(&accountStoreStub{})
	defer server.Close()

	resp := doRequest(t, http.MethodGet, server.URL+"/accounts/0xmissing", "", true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRetryAccountHandler_RequeuesFailedAccount(t *testing.T) {
	stub := &accountStoreStub{retryResult: true}
	server := newTestServer(stub)
	defer server.Close()

	resp := doRequest(t, http.MethodPost, server.URL+"/accounts/0xABC/retry", "", true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if stub.retriedAddress != "0xabc" {
		t.Fatalf("expected lowercased address passed to store, got %q", stub.retriedAddress)
	}
}

func TestRetryAccountHandler_ConflictWhenNotFailed(t *testing.T) {
	server := newTestServer(&accountStoreStub{retryResult: false})
	defer server.Close()

	resp := doRequest(t, http.MethodPost, server.URL+"/accounts/0xabc/retry", "", true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for non-failed account, got %d", resp.StatusCode)
	}
}

func TestSetNemAddressHandler_WriteOnce(t *testing.T) {
	server := newTestServer(&accountStoreStub{assignResult: false})
	defer server.Close()

	resp := doRequest(t, http.MethodPut, server.URL+"/accounts/0xabc/nem-address",
		`{"nem_address":"TBHKRYBOJQKU3APhavZTW3"}`, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 when the address is already set, got %d", resp.StatusCode)
	}
}

func TestSetNemAddressHandler_RejectsEmptyAddress(t *testing.T) {
	server := newTestServer(&accountStoreStub{assignResult: true})
	defer server.Close()

	resp := doRequest(t, http.MethodPut, server.URL+"/accounts/0xabc/nem-address",
		`{"nem_address":"  "}`, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty address, got %d", resp.StatusCode)
	}
}

func TestSetNemAddressHandler_AssignsAddress(t *testing.T) {
	server := newTestServer(&accountStoreStub{assignResult: true})
	defer server.Close()

	resp := doRequest(t, http.MethodPut, server.URL+"/accounts/0xabc/nem-address",
		`{"nem_address":"tbhkry"}`, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
