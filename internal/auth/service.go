package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Limit-LAB/limit-server/internal/crypto"
	"github.com/Limit-LAB/limit-server/internal/limits"
	"github.com/Limit-LAB/limit-server/internal/metrics"
	"github.com/Limit-LAB/limit-server/internal/repo"
	"github.com/Limit-LAB/limit-server/internal/status"
	"github.com/Limit-LAB/limit-server/internal/store"
)

// Background task names for the deferred passcode store writes.
const (
	taskRequestAuthPasscode = "request_auth_update_user_passcode_db"
	taskDoAuthPasscode      = "do_auth_update_user_passcode_db"
)

// Service implements the login flow. RequestAuth hands out a fresh
// passcode; DoAuth trades an encrypted copy of it for a session token
// and rotates the credential.
type Service struct {
	creds   *repo.Credentials
	tokens  *Manager
	limiter *limits.AuthLimiter
	logger  zerolog.Logger
}

// NewService wires the auth service.
func NewService(creds *repo.Credentials, tokens *Manager, limiter *limits.AuthLimiter, logger zerolog.Logger) *Service {
	return &Service{
		creds:   creds,
		tokens:  tokens,
		limiter: limiter,
		logger:  logger,
	}
}

// RequestAuth rotates the user's passcode and returns the new plaintext.
// The caller proves key possession in DoAuth by sending it back
// encrypted under the shared key. The cache is updated before returning;
// the store row follows in the background.
func (s *Service) RequestAuth(ctx context.Context, id string) (string, error) {
	s.logger.Info().Str("id", id).Msg("request_auth")
	m := metrics.Begin("request_auth_generate_passcode")
	defer m.Close()

	if !s.limiter.Allow(id) {
		return "", status.New(status.Exhausted, "too many auth requests")
	}

	if _, err := uuid.Parse(id); err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("request_auth: bad id")
		return "", status.Wrap(status.InvalidArgument, "id must be a uuid", err)
	}

	passcode, err := GeneratePasscode()
	if err != nil {
		return "", status.Wrap(status.Internal, "passcode generation failed", err)
	}

	m.Renew("request_auth_update_cache")
	if err := s.creds.CachePasscode(ctx, id, passcode); err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("request_auth: cache write failed")
		return "", status.Wrap(status.Internal, "credential update failed", err)
	}

	m.Renew("request_auth_update_db")
	if err := s.creds.EnqueuePasscodeWrite(ctx, id, passcode, taskRequestAuthPasscode); err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("request_auth: enqueue failed")
		return "", status.Wrap(status.Internal, "credential update failed", err)
	}

	m.End()
	return passcode, nil
}

// DoAuth verifies that validated is the current passcode encrypted under
// the caller's shared key, then mints a session token and rotates the
// passcode so the ciphertext cannot be replayed.
func (s *Service) DoAuth(ctx context.Context, id, deviceID, validated string) (string, error) {
	s.logger.Info().Str("id", id).Str("device_id", deviceID).Msg("do_auth")
	m := metrics.Begin("do_auth_load_auth")
	defer m.Close()

	uid, err := uuid.Parse(id)
	if err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("do_auth: bad id")
		return "", status.Wrap(status.InvalidArgument, "id must be a uuid", err)
	}
	if deviceID == "" {
		return "", status.New(status.InvalidArgument, "device_id is required")
	}

	bundle, err := s.creds.GetAuthBundle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", status.Wrap(status.NotFound, "unknown user", err)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("do_auth: credential load failed")
		return "", status.Wrap(status.Internal, "credential load failed", err)
	}

	decrypted, err := crypto.Decrypt(bundle.SharedKey, validated)
	if err != nil {
		// The client text never distinguishes a broken ciphertext from
		// a wrong passcode.
		s.logger.Warn().Err(err).Str("id", id).Msg("do_auth: decrypt failed")
		return "", status.Wrap(status.Unauthenticated, "invalid passcode", err)
	}

	if subtle.ConstantTimeCompare([]byte(decrypted), []byte(bundle.Passcode)) != 1 {
		s.logger.Warn().Str("id", id).Msg("do_auth: invalid passcode")
		return "", status.New(status.Unauthenticated, "invalid passcode")
	}

	m.Renew("do_auth_gen_token")
	s.logger.Info().Str("id", id).Msg("user login success")

	identity := Identity{UserID: uid.String(), DeviceID: deviceID}
	token, err := s.tokens.Issue(identity, time.Duration(bundle.JWTExpiration)*time.Second)
	if err != nil {
		return "", status.Wrap(status.Internal, "token mint failed", err)
	}

	// One fresh passcode to both tiers; the consumed one is dead either
	// way.
	next, err := GeneratePasscode()
	if err != nil {
		return "", status.Wrap(status.Internal, "passcode generation failed", err)
	}
	if err := s.creds.RotatePasscode(ctx, id, next, taskDoAuthPasscode); err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("do_auth: rotation failed")
		return "", status.Wrap(status.Internal, "credential update failed", err)
	}

	metrics.TokensIssued.Inc()
	m.End()
	return token, nil
}
