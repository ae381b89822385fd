package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dbogatov/car-ledger/directory"
	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/protocol"
	"github.com/dbogatov/car-ledger/vault"
)

type fakeIssuer struct {
	calls int
	err   error
	store *vault.MemoryStore
}

func (f *fakeIssuer) Issue(ctx context.Context, fields ledger.CarFields) (protocol.Result, error) {
	f.calls++
	if f.err != nil {
		return protocol.Result{}, f.err
	}

	car := ledger.CarState{
		OwningBank:    ledger.Identity{Name: "First-Bank", Role: ledger.RoleBank},
		HoldingDealer: ledger.Identity{Name: "City-Dealer", Role: ledger.RoleDealer},
		Manufacturer:  ledger.Identity{Name: "ACME-Manufacturer", Role: ledger.RoleManufacturer},
		CarFields:     fields,
		LinearID:      ledger.NewLinearID(),
	}
	proposal := ledger.TransactionProposal{
		Outputs: []ledger.TransactionState{ledger.CarOutput(car)},
		Command: ledger.Command{Type: ledger.CommandIssue},
	}
	tx := ledger.FinalizedTransaction{Proposal: proposal, Certificate: ledger.Certificate{TxID: proposal.ID()}}
	if err := f.store.Write(ctx, tx); err != nil {
		return protocol.Result{}, err
	}
	return protocol.Result{InstanceID: "instance-1", TxID: tx.ID(), State: protocol.StateCommitted, Transaction: &tx}, nil
}

func makeTestServer(t *testing.T, issuer *fakeIssuer, rps float64, burst int) *httptest.Server {
	t.Helper()

	self := ledger.Identity{Name: "ACME-Manufacturer", Role: ledger.RoleManufacturer}
	dir := directory.MakeDirectory(
		self,
		ledger.Identity{Name: "First-Bank", Role: ledger.RoleBank},
		ledger.Identity{Name: "City-Dealer", Role: ledger.RoleDealer},
		ledger.Identity{Name: "Notary", Role: ledger.RoleNotary},
		ledger.Identity{Name: "Network Map Service", Role: ledger.RoleNetworkMap},
	)

	server := MakeServer(Config{
		Self:           self,
		Directory:      dir,
		Store:          issuer.store,
		Issuer:         issuer,
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
	})
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts
}

const issueBody = `{"vin":"1HGCM82633A004352","licensePlateNumber":"ABC-123","make":"Acme","model":"X1","dealershipLocation":"Plant-7"}`

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()

	response, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func get(t *testing.T, url string, into any) *http.Response {
	t.Helper()

	response, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer response.Body.Close()

	if into != nil {
		if err := json.NewDecoder(response.Body).Decode(into); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return response
}

func errorCode(t *testing.T, response *http.Response) string {
	t.Helper()

	var body struct {
		Error struct {
			Code string `json:"code"`
			Rule string `json:"rule"`
		} `json:"error"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error.Code
}

func TestMeAndPeers(t *testing.T) {
	t.Parallel()

	ts := makeTestServer(t, &fakeIssuer{store: vault.MakeMemoryStore()}, 0, 0)

	var me struct {
		Me string `json:"me"`
	}
	get(t, ts.URL+"/me", &me)
	if me.Me != "ACME-Manufacturer" {
		t.Fatalf("me = %q, want %q", me.Me, "ACME-Manufacturer")
	}

	var peers struct {
		Peers []string `json:"peers"`
	}
	get(t, ts.URL+"/peers", &peers)
	if len(peers.Peers) != 2 {
		t.Fatalf("peers = %v, want bank and dealer only", peers.Peers)
	}
	for _, peer := range peers.Peers {
		if peer == "Notary" || peer == "Network Map Service" || peer == "ACME-Manufacturer" {
			t.Fatalf("unexpected peer %q", peer)
		}
	}
}

func TestIssueThenQuery(t *testing.T) {
	t.Parallel()

	issuer := &fakeIssuer{store: vault.MakeMemoryStore()}
	ts := makeTestServer(t, issuer, 0, 0)

	response := post(t, ts.URL+"/issue", issueBody)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", response.StatusCode, http.StatusCreated)
	}
	var created map[string]string
	if err := json.NewDecoder(response.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created["tx_id"] == "" {
		t.Fatalf("response = %v, want a tx_id", created)
	}
	if _, leaked := created["instance_id"]; leaked || len(created) != 1 {
		t.Fatalf("response = %v, want only tx_id", created)
	}

	var cars []vault.CarModel
	get(t, ts.URL+"/query?vin=1HGCM82633A004352", &cars)
	if len(cars) != 1 {
		t.Fatalf("cars = %d, want 1", len(cars))
	}
	if cars[0].OwningBank != "First-Bank" || cars[0].DealershipLocation != "Plant-7" {
		t.Fatalf("car = %+v", cars[0])
	}

	var none []vault.CarModel
	if response := get(t, ts.URL+"/query?vin=UNKNOWN", &none); response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", response.StatusCode, http.StatusOK)
	}
	if none == nil || len(none) != 0 {
		t.Fatalf("unknown vin = %v, want an empty list", none)
	}

	var all []vault.CarModel
	get(t, ts.URL+"/cars", &all)
	if len(all) != 1 {
		t.Fatalf("all cars = %d, want 1", len(all))
	}
}

func TestIssueValidation(t *testing.T) {
	t.Parallel()

	issuer := &fakeIssuer{store: vault.MakeMemoryStore()}
	ts := makeTestServer(t, issuer, 0, 0)

	for name, test := range map[string]struct {
		body string
		code string
	}{
		"missing field": {`{"vin":"V","make":"Acme","model":"X1","dealershipLocation":"Plant-7"}`, CodeMissingField},
		"blank field":   {`{"vin":" ","licensePlateNumber":"P","make":"Acme","model":"X1","dealershipLocation":"Plant-7"}`, CodeMissingField},
		"unknown field": {`{"vin":"V","color":"red"}`, CodeBadJSON},
		"not json":      {`vin=V`, CodeBadJSON},
	} {
		response := post(t, ts.URL+"/issue", test.body)
		if response.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want %d", name, response.StatusCode, http.StatusBadRequest)
		}
		if code := errorCode(t, response); code != test.code {
			t.Fatalf("%s: code = %q, want %q", name, code, test.code)
		}
	}
	if issuer.calls != 0 {
		t.Fatalf("issuer calls = %d, want 0", issuer.calls)
	}

	if response := get(t, ts.URL+"/query", nil); response.StatusCode != http.StatusBadRequest {
		t.Fatalf("query without vin: status = %d, want %d", response.StatusCode, http.StatusBadRequest)
	}
}

func TestErrorKindsMapToDistinctResponses(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		err    error
		status int
		code   string
	}{
		{ledger.AuthorizationError("City-Dealer", "only manufacturers issue"), http.StatusForbidden, "NOT_AUTHORIZED"},
		{ledger.RoleResolutionError(ledger.RoleBank, 0), http.StatusPreconditionFailed, "ROLE_RESOLUTION"},
		{ledger.ContractViolation("car.vin", "empty"), http.StatusUnprocessableEntity, "CONTRACT_VIOLATION"},
		{ledger.CounterpartyRejected("First-Bank", "car.vin", "no"), http.StatusFailedDependency, "COUNTERPARTY_REJECTED"},
		{ledger.UniquenessConflict(nil), http.StatusConflict, "UNIQUENESS_CONFLICT"},
		{ledger.ArbiterUnavailable("Notary", context.DeadlineExceeded), http.StatusServiceUnavailable, "ARBITER_UNAVAILABLE"},
		{ledger.TransportError("First-Bank", context.Canceled), http.StatusBadGateway, "TRANSPORT_ERROR"},
		{ledger.PersistenceError("ACME-Manufacturer", context.Canceled), http.StatusInsufficientStorage, "PERSISTENCE_ERROR"},
	} {
		ts := makeTestServer(t, &fakeIssuer{store: vault.MakeMemoryStore(), err: test.err}, 0, 0)

		response := post(t, ts.URL+"/issue", issueBody)
		if response.StatusCode != test.status {
			t.Fatalf("%v: status = %d, want %d", test.err, response.StatusCode, test.status)
		}
		if code := errorCode(t, response); code != test.code {
			t.Fatalf("%v: code = %q, want %q", test.err, code, test.code)
		}
	}
}

func TestErrorBodiesKeepCausesOut(t *testing.T) {
	t.Parallel()

	const instanceID = "instance-7f3a9c"

	for _, test := range []struct {
		err    error
		status int
	}{
		{ledger.PersistenceError("ACME-Manufacturer", fmt.Errorf("put checkpoint %s: disk full", instanceID)), http.StatusInsufficientStorage},
		{ledger.TransportError("First-Bank", fmt.Errorf("session for %s closed", instanceID)), http.StatusBadGateway},
		{fmt.Errorf("encode instance %s: unsupported value", instanceID), http.StatusInternalServerError},
	} {
		ts := makeTestServer(t, &fakeIssuer{store: vault.MakeMemoryStore(), err: test.err}, 0, 0)

		response := post(t, ts.URL+"/issue", issueBody)
		if response.StatusCode != test.status {
			t.Fatalf("%v: status = %d, want %d", test.err, response.StatusCode, test.status)
		}
		body, err := io.ReadAll(response.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if strings.Contains(string(body), instanceID) {
			t.Fatalf("body = %s, want no instance id", body)
		}
	}
}

func TestIssueIsRateLimited(t *testing.T) {
	t.Parallel()

	issuer := &fakeIssuer{store: vault.MakeMemoryStore()}
	ts := makeTestServer(t, issuer, 0.001, 2)

	for i := 0; i < 2; i++ {
		body := strings.Replace(issueBody, "1HGCM82633A004352", "VIN-"+string(rune('A'+i)), 1)
		if response := post(t, ts.URL+"/issue", body); response.StatusCode != http.StatusCreated {
			t.Fatalf("request %d: status = %d, want %d", i, response.StatusCode, http.StatusCreated)
		}
	}

	response := post(t, ts.URL+"/issue", issueBody)
	if response.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", response.StatusCode, http.StatusTooManyRequests)
	}
	if code := errorCode(t, response); code != CodeRateLimited {
		t.Fatalf("code = %q, want %q", code, CodeRateLimited)
	}

	// reads are not limited
	if response := get(t, ts.URL+"/cars", nil); response.StatusCode != http.StatusOK {
		t.Fatalf("cars status = %d, want %d", response.StatusCode, http.StatusOK)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts := makeTestServer(t, &fakeIssuer{store: vault.MakeMemoryStore()}, 0, 0)
	if response := get(t, ts.URL+"/metrics", nil); response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", response.StatusCode, http.StatusOK)
	}
}
