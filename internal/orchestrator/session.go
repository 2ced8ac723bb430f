// Package orchestrator runs one session-establishment attempt per tag
// tap: a nested state machine that checks the session cache, and, on a
// miss, drives the cloud mutual-auth relay through the tag while
// forwarding ciphertext it never decrypts.
package orchestrator

import (
	"encoding/hex"
	"time"

	"github.com/barnettlynn/mauthterm/internal/cloud"
	"github.com/barnettlynn/mauthterm/internal/mcore"
	"github.com/barnettlynn/mauthterm/internal/sessions"
	"github.com/barnettlynn/mauthterm/pkg/ntag424"
)

// authorizationKeySlot is the NTAG424 key slot diversified per tag for
// the cloud mutual-auth challenge (slot 2, see the key-slot contract).
const authorizationKeySlot = 2

// Phase is the orchestrator's coarse position in the nested state
// machine. Terminal phases are Succeeded, Rejected, and Failed.
type Phase int

const (
	PhaseBegin Phase = iota
	PhaseAwaitStart
	PhaseAwaitAuthNew
	PhaseAwaitComplete
	PhaseSucceeded
	PhaseRejected
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseBegin:
		return "Begin"
	case PhaseAwaitStart:
		return "AwaitStart"
	case PhaseAwaitAuthNew:
		return "AwaitAuthNew"
	case PhaseAwaitComplete:
		return "AwaitComplete"
	case PhaseSucceeded:
		return "Succeeded"
	case PhaseRejected:
		return "Rejected"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Wire request/response shapes for the three session-establishment
// RPC endpoints. These are JSON payloads inside the cloud package's
// correlation-ID envelope.
type startSessionReq struct {
	UID string `json:"uid"`
}

type startSessionRsp struct {
	Status          string              `json:"status"` // "token" | "auth_required" | "rejected"
	Session         *wireTokenSession   `json:"session,omitempty"`
	Message         string              `json:"message,omitempty"`
}

type authenticateNewSessionReq struct {
	UID            string `json:"uid"`
	NtagChallenge  string `json:"ntag_challenge"` // hex
}

type authenticateNewSessionRsp struct {
	SessionID      string `json:"session_id"`
	CloudChallenge string `json:"cloud_challenge"` // hex, 32 bytes
}

type completeAuthenticationReq struct {
	SessionID             string `json:"session_id"`
	EncryptedNtagResponse string `json:"encrypted_ntag_response"` // hex
}

type completeAuthenticationRsp struct {
	Status  string            `json:"status"` // "token" | "rejected"
	Session *wireTokenSession `json:"session,omitempty"`
	Message string            `json:"message,omitempty"`
}

type wireTokenSession struct {
	SessionID   string   `json:"session_id"`
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Permissions []string `json:"permissions"`
	ExpiryUnix  *int64   `json:"expiry_unix,omitempty"`
}

func (w *wireTokenSession) toDomain(uid [7]byte) *sessions.TokenSession {
	perms := make(map[string]struct{}, len(w.Permissions))
	for _, p := range w.Permissions {
		perms[p] = struct{}{}
	}
	s := &sessions.TokenSession{
		SessionID:   w.SessionID,
		UID:         uid,
		UserID:      w.UserID,
		DisplayName: w.DisplayName,
		Permissions: perms,
	}
	if w.ExpiryUnix != nil {
		t := time.Unix(*w.ExpiryUnix, 0).UTC()
		s.Expiry = &t
	}
	return s
}

// Result is the terminal outcome of a Session attempt.
type Result struct {
	Phase    Phase
	Session  *sessions.TokenSession
	Message  string
	Err      error
}

// Session drives one tap's establishment attempt. It is not safe for
// concurrent use; the NFC worker drives it from its single queued
// action slot.
type Session struct {
	gateway *cloud.Gateway
	cache   *sessions.Cache
	timeout time.Duration

	uid   [7]byte
	phase Phase

	startFuture    *cloud.SharedFuture[startSessionRsp]
	authFuture     *cloud.SharedFuture[authenticateNewSessionRsp]
	completeFuture *cloud.SharedFuture[completeAuthenticationRsp]

	sessionID string
	result    Result
	aborted   bool
}

// New begins a session attempt for uid. If the cache already holds a
// live session for uid, the attempt is immediately Succeeded and no
// RPC is issued.
func New(gateway *cloud.Gateway, cache *sessions.Cache, uid [7]byte, timeout time.Duration) *Session {
	s := &Session{gateway: gateway, cache: cache, uid: uid, timeout: timeout}
	if cached := cache.Get(uid); cached != nil {
		s.phase = PhaseSucceeded
		s.result = Result{Phase: PhaseSucceeded, Session: cached}
		return s
	}
	s.phase = PhaseBegin
	return s
}

// Done reports whether the attempt has reached a terminal phase.
func (s *Session) Done() bool {
	return s.phase == PhaseSucceeded || s.phase == PhaseRejected || s.phase == PhaseFailed
}

// Result returns the terminal outcome. Valid only once Done reports true.
func (s *Session) Result() Result {
	return s.result
}

// Abort marks the attempt cancelled due to tag departure. Any RPC
// still in flight is left running; its response, if any, is discarded
// on arrival per the cloud layer's drop-on-late-response contract.
func (s *Session) Abort() {
	s.aborted = true
}

// Step advances the state machine by at most one transition. It must
// be called from the tag's single action slot, once per NFC worker
// tick, passing the live card so the orchestrator can drive the tag
// side of the cloud mutual-auth relay.
func (s *Session) Step(card ntag424.Card) error {
	if s.aborted {
		return nil
	}
	switch s.phase {
	case PhaseBegin:
		return s.stepBegin()
	case PhaseAwaitStart:
		return s.stepAwaitStart(card)
	case PhaseAwaitAuthNew:
		return s.stepAwaitAuthNew(card)
	case PhaseAwaitComplete:
		return s.stepAwaitComplete()
	default:
		return nil
	}
}

func (s *Session) stepBegin() error {
	uidHex := hex.EncodeToString(s.uid[:])
	future, err := cloud.Send[startSessionRsp](s.gateway, startSessionReq{UID: uidHex}, cloud.EndpointStartSession, s.timeout)
	if err != nil {
		s.fail(err)
		return err
	}
	s.startFuture = future
	s.phase = PhaseAwaitStart
	return nil
}

func (s *Session) stepAwaitStart(card ntag424.Card) error {
	state, rsp, ferr := s.startFuture.Poll()
	if state == cloud.Pending {
		return nil
	}
	if state == cloud.Failed {
		s.fail(rpcErr("orchestrator.start_session", ferr))
		return s.result.Err
	}
	switch rsp.Status {
	case "token":
		s.succeed(rsp.Session)
		return nil
	case "rejected":
		s.reject(rsp.Message)
		return nil
	case "auth_required":
		challenge, err := ntag424.BeginCloudAuth(card, authorizationKeySlot)
		if err != nil {
			if ntag424.IsAuthenticationDelay(err) {
				// Card wants the command retried, not a terminal
				// failure: stay in AwaitStart (startFuture is already
				// resolved, so the next Step just re-issues
				// BeginCloudAuth against the same tag instance).
				return nil
			}
			s.fail(mcore.Wrap("orchestrator.begin_cloud_auth", mcore.ClassifyNtag(err), err))
			return s.result.Err
		}
		req := authenticateNewSessionReq{
			UID:           hex.EncodeToString(s.uid[:]),
			NtagChallenge: hex.EncodeToString(challenge),
		}
		future, err := cloud.Send[authenticateNewSessionRsp](s.gateway, req, cloud.EndpointAuthenticateNewSession, s.timeout)
		if err != nil {
			s.fail(err)
			return err
		}
		s.authFuture = future
		s.phase = PhaseAwaitAuthNew
		return nil
	default:
		s.fail(mcore.New("orchestrator.start_session", mcore.CodeMalformed, "unrecognized status "+rsp.Status))
		return s.result.Err
	}
}

func (s *Session) stepAwaitAuthNew(card ntag424.Card) error {
	state, rsp, ferr := s.authFuture.Poll()
	if state == cloud.Pending {
		return nil
	}
	if state == cloud.Failed {
		s.fail(rpcErr("orchestrator.authenticate_new_session", ferr))
		return s.result.Err
	}
	cloudChallenge, err := hex.DecodeString(rsp.CloudChallenge)
	if err != nil || len(cloudChallenge) != 32 {
		s.fail(mcore.New("orchestrator.authenticate_new_session", mcore.CodeMalformed, "cloud_challenge must be 32 bytes"))
		return s.result.Err
	}
	s.sessionID = rsp.SessionID

	confirmation, err := ntag424.CompleteCloudAuth(card, cloudChallenge)
	if err != nil {
		s.fail(mcore.Wrap("orchestrator.complete_cloud_auth", mcore.ClassifyNtag(err), err))
		return s.result.Err
	}
	req := completeAuthenticationReq{
		SessionID:             s.sessionID,
		EncryptedNtagResponse: hex.EncodeToString(confirmation),
	}
	future, err := cloud.Send[completeAuthenticationRsp](s.gateway, req, cloud.EndpointCompleteAuthentication, s.timeout)
	if err != nil {
		s.fail(err)
		return err
	}
	s.completeFuture = future
	s.phase = PhaseAwaitComplete
	return nil
}

func (s *Session) stepAwaitComplete() error {
	state, rsp, ferr := s.completeFuture.Poll()
	if state == cloud.Pending {
		return nil
	}
	if state == cloud.Failed {
		s.fail(rpcErr("orchestrator.complete_authentication", ferr))
		return s.result.Err
	}
	switch rsp.Status {
	case "token":
		s.succeed(rsp.Session)
	case "rejected":
		s.reject(rsp.Message)
	default:
		s.fail(mcore.New("orchestrator.complete_authentication", mcore.CodeMalformed, "unrecognized status "+rsp.Status))
	}
	return nil
}

func (s *Session) succeed(w *wireTokenSession) {
	domain := w.toDomain(s.uid)
	s.cache.Register(domain)
	s.phase = PhaseSucceeded
	s.result = Result{Phase: PhaseSucceeded, Session: domain}
}

func (s *Session) reject(msg string) {
	s.phase = PhaseRejected
	s.result = Result{Phase: PhaseRejected, Message: msg}
}

func (s *Session) fail(err error) {
	s.phase = PhaseFailed
	s.result = Result{Phase: PhaseFailed, Err: err}
}

func rpcErr(op string, ferr *cloud.RequestError) error {
	if ferr == nil {
		return mcore.New(op, mcore.CodeCloud, "unknown cloud failure")
	}
	if ferr.Kind == cloud.ErrTimeout {
		return mcore.New(op, mcore.CodeTimeout, ferr.Error())
	}
	return mcore.New(op, mcore.CodeCloud, ferr.Error())
}
