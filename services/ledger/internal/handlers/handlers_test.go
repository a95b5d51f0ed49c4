package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/distribution"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/rate"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/service"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/testutil"
	"github.com/gin-gonic/gin"
)

var testSecret = []byte("secret")

type apiFixture struct {
	router *gin.Engine
	svc    *service.LedgerService
	user   string
	admins map[string]string
	tokens map[string]string
}

func newAPI(t *testing.T, limiter gin.HandlerFunc) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := service.Assemble(service.NewMemoryStores(), service.Options{}, nil, nil, nil)
	router := gin.New()
	New(svc, nil).Register(router, testSecret, limiter)

	user, err := testutil.GenerateJWT(testutil.DemoActor, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	admins := map[string]string{}
	for _, actor := range []string{testutil.AdminActor, testutil.SecondAdminActor, testutil.ThirdAdminActor} {
		token, err := testutil.GenerateAdminJWT(actor, testSecret, time.Hour)
		if err != nil {
			t.Fatalf("jwt: %v", err)
		}
		admins[actor] = token
	}
	return &apiFixture{router: router, svc: svc, user: user, admins: admins, tokens: map[string]string{}}
}

// as returns a member token whose subject owns the accounts of entity id
// subject.
func (f *apiFixture) as(t *testing.T, subject string) string {
	t.Helper()
	if token, ok := f.tokens[subject]; ok {
		return token
	}
	token, err := testutil.GenerateJWT(subject, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	f.tokens[subject] = token
	return token
}

func (f *apiFixture) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	return testutil.MakeAuthRequest(f.router, method, path, body, token)
}

func (f *apiFixture) admin() string { return f.admins[testutil.AdminActor] }

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	return testutil.DecodeJSON[T](t, resp)
}

// fundedAccount creates a person account holding amount credits.
func (f *apiFixture) fundedAccount(t *testing.T, entityID, amount string) string {
	t.Helper()
	resp := f.do(http.MethodPost, "/v1/accounts", map[string]string{"entity_type": "person", "entity_id": entityID}, f.user)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	acct := decode[accountItem](t, resp)

	resp = f.do(http.MethodPost, "/v1/accounts/"+acct.AccountID+"/lots", map[string]string{
		"amount":      amount,
		"source_type": "deposit",
		"source_id":   "dep-" + entityID,
	}, f.admin())
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	return acct.AccountID
}

func TestRoutesRequireToken(t *testing.T) {
	f := newAPI(t, nil)
	resp := testutil.MakeAPIRequest(f.router, http.MethodGet, "/v1/distributions/preview?charge=1", nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestMintRequiresAdmin(t *testing.T) {
	f := newAPI(t, nil)
	resp := f.do(http.MethodPost, "/v1/accounts", map[string]string{"entity_type": "person", "entity_id": "alice"}, f.user)
	acct := decode[accountItem](t, resp)

	resp = f.do(http.MethodPost, "/v1/accounts/"+acct.AccountID+"/lots", map[string]string{"amount": "5"}, f.user)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)

	resp = f.do(http.MethodPost, "/v1/accounts/"+acct.AccountID+"/lots", map[string]string{"amount": "5", "source_type": "revenue_share"}, f.admin())
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidArgument)
}

func TestMintAndBalance(t *testing.T) {
	f := newAPI(t, nil)
	accountID := f.fundedAccount(t, "alice", "12.5")
	alice := f.as(t, "alice")

	resp := f.do(http.MethodPost, "/v1/accounts/"+accountID+"/lots", map[string]string{
		"amount":      "12.5",
		"source_type": "deposit",
		"source_id":   "dep-alice",
	}, f.admin())
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if !decode[mintResponse](t, resp).Duplicate {
		t.Fatal("expected duplicate mint")
	}

	resp = f.do(http.MethodGet, "/v1/accounts/"+accountID+"/balance", nil, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	bal := decode[balanceResponse](t, resp)
	if bal.AvailableMicro != 12_500_000 || bal.Available != "12.5" || bal.OpenLots != 1 {
		t.Fatalf("unexpected balance %+v", bal)
	}

	resp = f.do(http.MethodGet, "/v1/accounts/"+accountID+"/entries", nil, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	entries := decode[struct {
		Entries []entryItem `json:"entries"`
	}](t, resp)
	if len(entries.Entries) != 1 || entries.Entries[0].EntryType != "deposit" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	resp = f.do(http.MethodGet, "/v1/accounts/"+accountID+"/reconcile", nil, f.admin())
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if !decode[reconcileResponse](t, resp).Balanced {
		t.Fatal("expected balanced account")
	}
}

func TestValidationErrors(t *testing.T) {
	f := newAPI(t, nil)
	accountID := f.fundedAccount(t, "alice", "1")

	tests := []struct {
		name string
		path string
		body any
		code string
	}{
		{"bad account id", "/v1/reservations", map[string]string{"account_id": "nope", "amount": "1"}, testutil.ErrorCodeInvalidArgument},
		{"too precise", "/v1/reservations", map[string]string{"account_id": accountID, "amount": "0.0000001"}, testutil.ErrorCodeInvalidAmount},
		{"negative", "/v1/reservations", map[string]string{"account_id": accountID, "amount": "-1"}, testutil.ErrorCodeInvalidAmount},
		{"zero", "/v1/reservations", map[string]string{"account_id": accountID, "amount": "0"}, testutil.ErrorCodeInvalidAmount},
		{"bad billing mode", "/v1/reservations", map[string]any{"account_id": accountID, "amount": "1", "billing_mode": "free"}, testutil.ErrorCodeInvalidArgument},
		{"bad entity type", "/v1/accounts", map[string]string{"entity_type": "robot", "entity_id": "x"}, testutil.ErrorCodeInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(http.MethodPost, tc.path, tc.body, f.as(t, "alice"))
			testutil.AssertErrorCode(t, resp, tc.code)
		})
	}

	resp := f.do(http.MethodGet, "/v1/reservations/00000000-0000-0000-0000-000000000009", nil, f.user)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeReservationNotFound)

	resp = f.do(http.MethodGet, "/v1/accounts/00000000-0000-0000-0000-000000000009", nil, f.user)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeAccountNotFound)
}

func TestReserveFinalizeFlow(t *testing.T) {
	f := newAPI(t, nil)
	accountID := f.fundedAccount(t, "alice", "10")
	alice := f.as(t, "alice")

	reserve := map[string]string{"account_id": accountID, "amount": "5", "idempotency_key": "req-1"}
	resp := f.do(http.MethodPost, "/v1/reservations", reserve, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	res := decode[reservationItem](t, resp)
	if res.Status != "pending" || res.AmountMicro != 5_000_000 || res.BillingMode != "live" || len(res.Lots) != 1 {
		t.Fatalf("unexpected reservation %+v", res)
	}

	resp = f.do(http.MethodPost, "/v1/reservations", reserve, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if replay := decode[reservationItem](t, resp); !replay.Replayed || replay.ReservationID != res.ReservationID {
		t.Fatalf("expected replay of %s, got %+v", res.ReservationID, replay)
	}

	resp = testutil.ServeLedger(f.router, http.MethodPost, "/v1/reservations",
		map[string]string{"account_id": accountID, "amount": "5"},
		testutil.WithToken(alice), testutil.WithIdempotencyKey("req-1"))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if replay := decode[reservationItem](t, resp); replay.ReservationID != res.ReservationID {
		t.Fatalf("header key must replay %s, got %s", res.ReservationID, replay.ReservationID)
	}

	resp = f.do(http.MethodPost, "/v1/reservations", map[string]string{"account_id": accountID, "amount": "6", "idempotency_key": "req-2"}, alice)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientBalance)
	if details := testutil.DecodeError(t, resp).Details; details["available_micro"] != "5000000" {
		t.Fatalf("unexpected details %v", details)
	}

	path := "/v1/reservations/" + res.ReservationID + "/finalize"
	resp = f.do(http.MethodPost, path, map[string]string{"actual_cost": "1", "community_id": "guild-1"}, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	fin := decode[finalizeResponse](t, resp)
	if fin.ChargedMicro != 1_000_000 || fin.ReleasedMicro != 4_000_000 || fin.Distribution == nil {
		t.Fatalf("unexpected finalize %+v", fin)
	}
	if fin.Distribution.Shares.Total() != 1_000_000 {
		t.Fatalf("distribution must conserve the charge, got %+v", fin.Distribution.Shares)
	}

	resp = f.do(http.MethodPost, path, map[string]string{"actual_cost": "1", "community_id": "guild-1"}, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if replay := decode[finalizeResponse](t, resp); !replay.Replayed || !replay.Distribution.AlreadyPosted {
		t.Fatalf("expected idempotent finalize, got %+v", replay)
	}

	resp = f.do(http.MethodPost, path, map[string]string{"actual_cost": "2"}, alice)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeAlreadyFinalized)

	resp = f.do(http.MethodPost, "/v1/reservations/"+res.ReservationID+"/release", nil, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if got := decode[reservationItem](t, resp); got.Status != "finalized" {
		t.Fatalf("release of a finalized reservation must be a no-op, got %s", got.Status)
	}

	resp = f.do(http.MethodGet, "/v1/accounts/"+accountID+"/balance", nil, alice)
	if bal := decode[balanceResponse](t, resp); bal.AvailableMicro != 9_000_000 || bal.ReservedMicro != 0 {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestPreviewDistribution(t *testing.T) {
	f := newAPI(t, nil)
	resp := f.do(http.MethodGet, "/v1/distributions/preview?charge=1&referrer_bps=0", nil, f.user)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var calc struct {
		Shares struct {
			Referrer   int64 `json:"referrer_micro"`
			Community  int64 `json:"community_micro"`
			Foundation int64 `json:"foundation_micro"`
		} `json:"shares"`
		Tier string `json:"tier"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &calc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if calc.Shares.Referrer != 0 || calc.Shares.Community != 700_000 || calc.Shares.Foundation != 250_000 || calc.Tier != "fallback" {
		t.Fatalf("unexpected preview %+v", calc)
	}
}

func TestTransfers(t *testing.T) {
	f := newAPI(t, nil)
	from := f.fundedAccount(t, "alice", "3")
	to := f.fundedAccount(t, "bob", "1")
	alice, bob := f.as(t, "alice"), f.as(t, "bob")

	body := map[string]string{"from_account_id": from, "to_account_id": to, "amount": "5", "idempotency_key": "t-1"}
	resp := f.do(http.MethodPost, "/v1/transfers", body, alice)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientBalance)
	if testutil.DecodeError(t, resp).Details["transfer_id"] == "" {
		t.Fatal("expected rejected transfer id")
	}

	body = map[string]string{"from_account_id": from, "to_account_id": to, "amount": "2", "idempotency_key": "t-2"}
	resp = f.do(http.MethodPost, "/v1/transfers", body, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	created := decode[transferItem](t, resp)
	if created.Status != "completed" || created.Amount != "2" || created.Metadata["actor"] != "alice" {
		t.Fatalf("unexpected transfer %+v", created)
	}

	resp = f.do(http.MethodPost, "/v1/transfers", body, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = f.do(http.MethodGet, "/v1/transfers?idempotency_key=t-2", nil, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if got := decode[transferItem](t, resp); got.TransferID != created.TransferID {
		t.Fatalf("lookup by key returned %s", got.TransferID)
	}

	resp = f.do(http.MethodGet, "/v1/transfers/"+created.TransferID, nil, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = f.do(http.MethodGet, "/v1/transfers?account_id="+to+"&direction=in", nil, bob)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	list := decode[listTransfersResponse](t, resp)
	found := false
	for _, tr := range list.Transfers {
		if tr.ToAccountID != to {
			t.Fatalf("direction=in returned outgoing transfer %+v", tr)
		}
		found = found || tr.TransferID == created.TransferID
	}
	if !found {
		t.Fatalf("expected %s in incoming transfers, got %+v", created.TransferID, list)
	}

	resp = f.do(http.MethodGet, "/v1/transfers?account_id="+to+"&direction=sideways", nil, bob)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidArgument)

	resp = f.do(http.MethodGet, "/v1/accounts/"+to+"/balance", nil, bob)
	if bal := decode[balanceResponse](t, resp); bal.AvailableMicro != 3_000_000 {
		t.Fatalf("unexpected recipient balance %+v", bal)
	}
}

func TestReferrals(t *testing.T) {
	f := newAPI(t, nil)
	referee := f.fundedAccount(t, "alice", "10")
	referrer := f.fundedAccount(t, "bob", "1")
	alice, bob := f.as(t, "alice"), f.as(t, "bob")

	body := map[string]any{"account_id": referee, "referrer_account_id": referrer}
	resp := f.do(http.MethodPost, "/v1/referrals", body, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	resp = f.do(http.MethodPost, "/v1/referrals", body, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusConflict)

	resp = f.do(http.MethodPost, "/v1/reservations", map[string]string{"account_id": referee, "amount": "2", "idempotency_key": "r-1"}, alice)
	res := decode[reservationItem](t, resp)
	resp = f.do(http.MethodPost, "/v1/reservations/"+res.ReservationID+"/finalize", map[string]string{"actual_cost": "2"}, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = f.do(http.MethodGet, "/v1/accounts/"+referrer+"/referral-earnings", nil, bob)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	earnings := decode[struct {
		Earnings   []earningItem `json:"earnings"`
		TotalMicro int64         `json:"total_micro"`
	}](t, resp)
	if len(earnings.Earnings) != 1 || earnings.TotalMicro != 200_000 {
		t.Fatalf("unexpected earnings %+v", earnings)
	}
}

func TestGovernanceLifecycle(t *testing.T) {
	f := newAPI(t, nil)
	alice := f.admins[testutil.AdminActor]
	bob := f.admins[testutil.SecondAdminActor]
	carol := f.admins[testutil.ThirdAdminActor]

	resp := f.do(http.MethodPost, "/v1/governance/config/rules", map[string]any{"param_key": "transfer.max_amount_micro", "value": 1_000_000}, f.user)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)

	resp = f.do(http.MethodPost, "/v1/governance/config/rules", map[string]any{"param_key": "transfer.max_amount_micro", "value": -5}, alice)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeSchemaValidation)

	resp = f.do(http.MethodPost, "/v1/governance/config/rules", map[string]any{"param_key": "transfer.max_amount_micro", "value": 1_000_000}, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	rule := decode[ruleItem](t, resp)
	if rule.Status != "draft" || rule.Version != 1 || rule.ProposedBy != testutil.AdminActor {
		t.Fatalf("unexpected rule %+v", rule)
	}
	base := "/v1/governance/config/rules/" + rule.RuleID

	resp = f.do(http.MethodPost, base+"/approve", nil, bob)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidState)

	resp = f.do(http.MethodPost, base+"/submit", nil, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = f.do(http.MethodPost, base+"/approve", nil, alice)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeFourEyesViolation)

	resp = f.do(http.MethodPost, base+"/override", map[string]any{"approvers": []string{testutil.SecondAdminActor}, "justification": "incident"}, carol)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientApprovers)

	resp = f.do(http.MethodPost, base+"/approve", nil, bob)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	resp = f.do(http.MethodPost, base+"/approve", nil, carol)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if got := decode[ruleItem](t, resp); got.Status != "cooling_down" || got.CooldownEndsAt == nil {
		t.Fatalf("expected cooling_down, got %+v", got)
	}

	third, err := testutil.GenerateAdminJWT("admin-dave", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	resp = f.do(http.MethodPost, base+"/override", map[string]any{
		"approvers":     []string{testutil.SecondAdminActor, testutil.ThirdAdminActor},
		"justification": "incident",
	}, third)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if got := decode[ruleItem](t, resp); got.Status != "active" {
		t.Fatalf("expected active after override, got %+v", got)
	}

	resp = f.do(http.MethodGet, "/v1/governance/config/resolve?param_key=transfer.max_amount_micro", nil, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	resolved := decode[resolveResponse[int64]](t, resp)
	if resolved.Value != 1_000_000 || resolved.Tier != "global" || resolved.Version != 1 {
		t.Fatalf("unexpected resolution %+v", resolved)
	}

	resp = f.do(http.MethodGet, base+"/audit", nil, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	audit := decode[struct {
		Entries []auditItem `json:"entries"`
	}](t, resp)
	last := audit.Entries[len(audit.Entries)-1]
	if last.Action != "emergency_override" || last.NewStatus != "active" {
		t.Fatalf("unexpected audit tail %+v", last)
	}

	from := f.fundedAccount(t, "alice", "5")
	to := f.fundedAccount(t, "bob", "1")
	resp = f.do(http.MethodPost, "/v1/transfers", map[string]string{"from_account_id": from, "to_account_id": to, "amount": "2", "idempotency_key": "capped"}, f.as(t, "alice"))
	testutil.AssertHTTPStatus(t, resp, http.StatusBadRequest)
	if code := testutil.DecodeError(t, resp).Code; code != service.CodeAmountAboveLimit {
		t.Fatalf("expected governed transfer cap, got %s", code)
	}

	resp = f.do(http.MethodGet, "/v1/governance/revenue/rules/"+rule.RuleID, nil, alice)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeRuleNotFound)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newAPI(t, nil)
	alice := f.admin()
	resp := f.do(http.MethodPost, "/v1/governance/revenue/rules", map[string]any{
		"param_key": "revenue_split",
		"scope":     "guild-1",
		"value": map[string]int64{
			"referrer_bps": 1000, "commons_bps": 1000, "community_bps": 6000, "treasury_bps": 500, "foundation_bps": 1500,
		},
	}, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	rule := decode[ruleItem](t, resp)

	bob := f.admins[testutil.SecondAdminActor]
	resp = f.do(http.MethodPost, "/v1/governance/revenue/rules/"+rule.RuleID+"/reject", map[string]string{}, bob)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidArgument)

	resp = f.do(http.MethodPost, "/v1/governance/revenue/rules/"+rule.RuleID+"/reject", map[string]string{"reason": "too generous"}, bob)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if got := decode[ruleItem](t, resp); got.Status != "rejected" || got.RejectedReason != "too generous" {
		t.Fatalf("unexpected rule %+v", got)
	}

	resp = f.do(http.MethodGet, "/v1/governance/revenue/rules?scope=guild-1", nil, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	list := decode[struct {
		Rules []ruleItem `json:"rules"`
	}](t, resp)
	if len(list.Rules) != 1 {
		t.Fatalf("expected one scoped rule, got %d", len(list.Rules))
	}
}

func TestRateLimitedPerActor(t *testing.T) {
	f := newAPI(t, rate.Middleware(rate.NewMemory(1, time.Minute), nil, nil))
	resp := f.do(http.MethodGet, "/v1/distributions/preview?charge=1", nil, f.user)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	resp = f.do(http.MethodGet, "/v1/distributions/preview?charge=1", nil, f.user)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeRateLimited)
	resp = f.do(http.MethodGet, "/v1/distributions/preview?charge=1", nil, f.admin())
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
}

func TestBillingRoutesRequireOwnership(t *testing.T) {
	f := newAPI(t, nil)
	victim := f.fundedAccount(t, "alice", "10")
	own := f.fundedAccount(t, "mallory", "1")
	alice, mallory := f.as(t, "alice"), f.as(t, "mallory")

	resp := f.do(http.MethodPost, "/v1/reservations", map[string]string{"account_id": victim, "amount": "5", "idempotency_key": "hold"}, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	held := decode[reservationItem](t, resp)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"reserve", http.MethodPost, "/v1/reservations", map[string]string{"account_id": victim, "amount": "1", "idempotency_key": "steal"}},
		{"get reservation", http.MethodGet, "/v1/reservations/" + held.ReservationID, nil},
		{"finalize", http.MethodPost, "/v1/reservations/" + held.ReservationID + "/finalize", map[string]string{"actual_cost": "5"}},
		{"release", http.MethodPost, "/v1/reservations/" + held.ReservationID + "/release", nil},
		{"transfer", http.MethodPost, "/v1/transfers", map[string]string{"from_account_id": victim, "to_account_id": own, "amount": "5", "idempotency_key": "drain"}},
		{"referral", http.MethodPost, "/v1/referrals", map[string]string{"account_id": victim, "referrer_account_id": own}},
		{"balance", http.MethodGet, "/v1/accounts/" + victim + "/balance", nil},
		{"entries", http.MethodGet, "/v1/accounts/" + victim + "/entries", nil},
		{"transfers", http.MethodGet, "/v1/transfers?account_id=" + victim, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(tc.method, tc.path, tc.body, mallory)
			testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)
		})
	}

	resp = f.do(http.MethodGet, "/v1/accounts/"+victim+"/balance", nil, alice)
	bal := decode[balanceResponse](t, resp)
	if bal.AvailableMicro != 5_000_000 || bal.ReservedMicro != 5_000_000 {
		t.Fatalf("rejected calls must not move credits, got %+v", bal)
	}
	resp = f.do(http.MethodGet, "/v1/accounts/"+own+"/balance", nil, mallory)
	if bal := decode[balanceResponse](t, resp); bal.AvailableMicro != 1_000_000 {
		t.Fatalf("unexpected balance %+v", bal)
	}

	resp = f.do(http.MethodPost, "/v1/reservations/"+held.ReservationID+"/release", nil, f.admin())
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if got := decode[reservationItem](t, resp); got.Status != "released" {
		t.Fatalf("admins act on any account, got %s", got.Status)
	}
}

func TestPostDistributionFromReservation(t *testing.T) {
	f := newAPI(t, nil)
	accountID := f.fundedAccount(t, "alice", "10")
	alice := f.as(t, "alice")

	resp := f.do(http.MethodPost, "/v1/reservations", map[string]string{"account_id": accountID, "amount": "1", "idempotency_key": "d-1"}, alice)
	pending := decode[reservationItem](t, resp)
	resp = f.do(http.MethodPost, "/v1/distributions", map[string]string{"reservation_id": pending.ReservationID}, f.admin())
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFinalized)

	resp = f.do(http.MethodPost, "/v1/reservations", map[string]string{"account_id": accountID, "amount": "1", "idempotency_key": "d-2"}, alice)
	res := decode[reservationItem](t, resp)
	resp = f.do(http.MethodPost, "/v1/reservations/"+res.ReservationID+"/finalize", map[string]string{"actual_cost": "0.7"}, alice)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	body := map[string]any{"reservation_id": res.ReservationID, "charge": "5", "entry_seq": 99}
	resp = f.do(http.MethodPost, "/v1/distributions", body, alice)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)

	resp = f.do(http.MethodPost, "/v1/distributions", body, f.admin())
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	posted := decode[distribution.PostResult](t, resp)
	if !posted.AlreadyPosted || posted.Shares.Total() != 700_000 {
		t.Fatalf("posting must replay the finalized charge, got %+v", posted)
	}

	resp = f.do(http.MethodPost, "/v1/distributions", map[string]string{"reservation_id": "00000000-0000-0000-0000-000000000009"}, f.admin())
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeReservationNotFound)
}
