package routes

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jlugo63/gavel/approval"
	"github.com/jlugo63/gavel/blastbox"
	"github.com/jlugo63/gavel/identity"
	"github.com/jlugo63/gavel/ledger"
	"github.com/jlugo63/gavel/policy"
)

type scriptedRuntime struct {
	result blastbox.RunResult
	err    error
}

func (r *scriptedRuntime) Run(ctx context.Context, workspace, command string, cfg blastbox.Config) (blastbox.RunResult, error) {
	return r.result, r.err
}

func newTestServer(t *testing.T, runtime blastbox.Runtime) *Server {
	t.Helper()
	store, err := ledger.OpenSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine, err := policy.NewEngine(policy.DefaultRuleTable())
	require.NoError(t, err)

	identitiesPath := filepath.Join(t.TempDir(), "identities.json")
	require.NoError(t, os.WriteFile(identitiesPath, []byte(`[{"actor_id":"agent:coder","secret":"s3cret"}]`), 0o600))
	allow, err := identity.LoadAllowList(identitiesPath)
	require.NoError(t, err)

	auth := identity.NewAuthenticator(allow.Secrets(), 0, 0, 0, nil, nil)

	workspace := t.TempDir()
	box := blastbox.New(runtime, workspace, blastbox.Config{Image: "gavel/sandbox:latest", NetworkMode: "none", TimeoutSeconds: 30})

	return &Server{
		Ledger:      store,
		Policy:      engine,
		Approvals:   approval.New(store, time.Hour),
		Box:         box,
		Allow:       allow,
		AgentAuth:   auth,
		HumanAPIKey: "human-secret",
	}
}

// lastSignedTS keeps signed-request timestamps (and the nonces derived
// from them) strictly increasing: the Authenticator rejects a reused
// nonce and a timestamp that does not advance for the same API key.
var lastSignedTS int64

func signedRequest(t *testing.T, method, path, actorID, secret string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	unix := time.Now().Unix()
	if unix <= lastSignedTS {
		unix = lastSignedTS + 1
	}
	lastSignedTS = unix
	ts := strconv.FormatInt(unix, 10)
	nonce := "nonce-" + ts
	sig := identity.ComputeSignature(secret, ts, nonce, method, identity.CanonicalRequestPath(req), body)
	req.Header.Set(identity.HeaderAPIKey, actorID)
	req.Header.Set(identity.HeaderTimestamp, ts)
	req.Header.Set(identity.HeaderNonce, nonce)
	req.Header.Set(identity.HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestProposeApprovedActionReturnsOKAndIsExecutable(t *testing.T) {
	runtime := &scriptedRuntime{result: blastbox.RunResult{ExitCode: 0, Stdout: "ok"}}
	s := newTestServer(t, runtime)
	router := New(s)

	body, err := json.Marshal(proposeRequest{ActorID: "agent:coder", ActionType: "file_read", Content: "src/main.py"})
	require.NoError(t, err)
	req := signedRequest(t, http.MethodPost, "/propose", "agent:coder", "s3cret", body)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	var proposeResp proposeResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&proposeResp))
	require.Equal(t, "APPROVED", proposeResp.Decision)

	execBody, err := json.Marshal(executeRequest{ProposalID: proposeResp.IntentEventID})
	require.NoError(t, err)
	execReq := signedRequest(t, http.MethodPost, "/execute", "agent:coder", "s3cret", execBody)
	execRes := httptest.NewRecorder()
	router.ServeHTTP(execRes, execReq)
	require.Equal(t, http.StatusOK, execRes.Code)

	var execResp executeResponse
	require.NoError(t, json.NewDecoder(execRes.Body).Decode(&execResp))
	require.Equal(t, 0, execResp.EvidencePacket.ExitCode)
	require.Equal(t, "ok", execResp.EvidencePacket.Stdout)
}

func TestProposeHardViolationIsDeniedAndBlocksExecute(t *testing.T) {
	s := newTestServer(t, &scriptedRuntime{})
	router := New(s)

	body, err := json.Marshal(proposeRequest{ActorID: "agent:coder", ActionType: "bash", Content: "sudo rm -rf /"})
	require.NoError(t, err)
	req := signedRequest(t, http.MethodPost, "/propose", "agent:coder", "s3cret", body)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusForbidden, res.Code)

	var proposeResp proposeResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&proposeResp))
	require.Equal(t, "DENIED", proposeResp.Decision)

	execBody, err := json.Marshal(executeRequest{ProposalID: proposeResp.IntentEventID})
	require.NoError(t, err)
	execReq := signedRequest(t, http.MethodPost, "/execute", "agent:coder", "s3cret", execBody)
	execRes := httptest.NewRecorder()
	router.ServeHTTP(execRes, execReq)
	require.Equal(t, http.StatusForbidden, execRes.Code)
}

func TestEscalatedActionRequiresApprovalBeforeExecute(t *testing.T) {
	runtime := &scriptedRuntime{result: blastbox.RunResult{ExitCode: 0}}
	s := newTestServer(t, runtime)
	router := New(s)

	body, err := json.Marshal(proposeRequest{ActorID: "agent:coder", ActionType: "bash", Content: "kubectl scale deployment web --replicas=3"})
	require.NoError(t, err)
	req := signedRequest(t, http.MethodPost, "/propose", "agent:coder", "s3cret", body)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusAccepted, res.Code)

	var proposeResp proposeResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&proposeResp))
	require.Equal(t, "ESCALATED", proposeResp.Decision)

	// Execute before approval must refuse to run.
	execBody, err := json.Marshal(executeRequest{ProposalID: proposeResp.IntentEventID})
	require.NoError(t, err)
	execReq := signedRequest(t, http.MethodPost, "/execute", "agent:coder", "s3cret", execBody)
	execRes := httptest.NewRecorder()
	router.ServeHTTP(execRes, execReq)
	require.Equal(t, http.StatusAccepted, execRes.Code)

	// A human approves the escalation out of band.
	approveBody, err := json.Marshal(approveRequest{IntentEventID: proposeResp.IntentEventID, PolicyEventID: proposeResp.PolicyEventID})
	require.NoError(t, err)
	approveReq := httptest.NewRequest(http.MethodPost, "/approve", bytes.NewReader(approveBody))
	approveReq.Header.Set("Authorization", "Bearer human-secret")
	approveRes := httptest.NewRecorder()
	router.ServeHTTP(approveRes, approveReq)
	require.Equal(t, http.StatusOK, approveRes.Code)

	// Resubmitting the identical proposal now consumes the grant and is approved.
	resubmit := signedRequest(t, http.MethodPost, "/propose", "agent:coder", "s3cret", body)
	resubmitRes := httptest.NewRecorder()
	router.ServeHTTP(resubmitRes, resubmit)
	require.Equal(t, http.StatusOK, resubmitRes.Code)

	var resubmitResp proposeResponse
	require.NoError(t, json.NewDecoder(resubmitRes.Body).Decode(&resubmitResp))
	require.Equal(t, "APPROVED", resubmitResp.Decision)

	resubmitExecBody, err := json.Marshal(executeRequest{ProposalID: resubmitResp.IntentEventID})
	require.NoError(t, err)
	resubmitExecReq := signedRequest(t, http.MethodPost, "/execute", "agent:coder", "s3cret", resubmitExecBody)
	resubmitExecRes := httptest.NewRecorder()
	router.ServeHTTP(resubmitExecRes, resubmitExecReq)
	require.Equal(t, http.StatusOK, resubmitExecRes.Code)
}

func TestApproveRejectsMissingBearerToken(t *testing.T) {
	s := newTestServer(t, &scriptedRuntime{})
	router := New(s)

	body, err := json.Marshal(approveRequest{IntentEventID: "x", PolicyEventID: "y"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/approve", bytes.NewReader(body))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestProposeRejectsUnknownActor(t *testing.T) {
	s := newTestServer(t, &scriptedRuntime{})
	router := New(s)

	body, err := json.Marshal(proposeRequest{ActorID: "agent:ghost", ActionType: "file_read", Content: "x"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/propose", bytes.NewReader(body))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestHealthReportsChainValidity(t *testing.T) {
	s := newTestServer(t, &scriptedRuntime{})
	router := New(s)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	var health healthResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	require.Equal(t, "ok", health.Status)
	require.True(t, health.Chain.ChainValid)
}
