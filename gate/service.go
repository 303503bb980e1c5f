package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alovak/payout-gate/gate/models"
	"github.com/alovak/payout-gate/internal/challenge"
	"github.com/alovak/payout-gate/internal/realtime"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPermissionDenied means the user lacks the payout-authorizer role.
	ErrPermissionDenied = fmt.Errorf("permission denied")
	// ErrNotAuthorized means the auth session does not authorize the
	// requested batch: missing, unverified, expired, consumed, or it does
	// not cover the docnames.
	ErrNotAuthorized = fmt.Errorf("batch not authorized")
	// ErrBatchTooLarge rejects bulk requests past the configured cap.
	ErrBatchTooLarge = fmt.Errorf("batch too large")
)

// CodeSender delivers a generated code out of band (SMS gateway, mail).
type CodeSender interface {
	Send(ctx context.Context, method models.AuthMethod, profile *models.AuthProfile, code string) error
}

// PasswordVerifier checks the user's account password. Credential storage
// is outside the gate.
type PasswordVerifier interface {
	Verify(ctx context.Context, user, password string) (bool, error)
}

// Submitter executes one payment entry against the bank or payment
// gateway. This is the business-logic boundary: the gate only decides
// whether and when Submit may run.
type Submitter interface {
	Submit(ctx context.Context, entry *models.PaymentEntry, authID string) error
}

// Publisher feeds interim progress to the task channel.
type Publisher interface {
	Publish(taskID string, p realtime.Progress)
}

// Adapters for wiring plain functions as ports.
type (
	CodeSenderFunc       func(ctx context.Context, method models.AuthMethod, profile *models.AuthProfile, code string) error
	PasswordVerifierFunc func(ctx context.Context, user, password string) (bool, error)
	SubmitterFunc        func(ctx context.Context, entry *models.PaymentEntry, authID string) error
)

func (f CodeSenderFunc) Send(ctx context.Context, method models.AuthMethod, profile *models.AuthProfile, code string) error {
	return f(ctx, method, profile, code)
}

func (f PasswordVerifierFunc) Verify(ctx context.Context, user, password string) (bool, error) {
	return f(ctx, user, password)
}

func (f SubmitterFunc) Submit(ctx context.Context, entry *models.PaymentEntry, authID string) error {
	return f(ctx, entry, authID)
}

// Service implements the authorization protocol and the bulk submission
// behind it.
type Service struct {
	repo      *Repository
	cfg       *Config
	logger    *slog.Logger
	sender    CodeSender
	passwords PasswordVerifier
	submitter Submitter
	publisher Publisher
	jobs      *errgroup.Group

	now func() time.Time
}

func NewService(repo *Repository, cfg *Config, logger *slog.Logger, sender CodeSender,
	passwords PasswordVerifier, submitter Submitter, publisher Publisher) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Service{
		repo:      repo,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "gate-service")),
		sender:    sender,
		passwords: passwords,
		submitter: submitter,
		publisher: publisher,
		jobs:      &errgroup.Group{},
		now:       time.Now,
	}
}

// Wait blocks until queued background submissions drain. Called on
// shutdown.
func (s *Service) Wait() error {
	return s.jobs.Wait()
}

// CanAuthorizePayments reports whether the user holds the
// payout-authorizer capability. Callers must not offer the bulk action
// without it.
func (s *Service) CanAuthorizePayments(ctx context.Context, user string) (bool, error) {
	profile, err := s.repo.GetAuthProfile(ctx, user)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("loading auth profile: %w", err)
	}
	return profile.HasRole(models.RolePaymentAuthorizer), nil
}

// GenerateOTP creates one authorization session for the whole batch.
// A single challenge secret covers every entry passed here; all of them
// share the same authorization scope. Returns (nil, nil) when the user is
// not permitted to authorize payments: the caller aborts without showing
// any interaction.
func (s *Service) GenerateOTP(ctx context.Context, user string, paymentEntries []string) (*models.GenerationResult, error) {
	if len(paymentEntries) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	profile, err := s.repo.GetAuthProfile(ctx, user)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading auth profile: %w", err)
	}
	if !profile.HasRole(models.RolePaymentAuthorizer) {
		s.logger.Info("payment authorization refused", slog.String("user", user))
		return nil, nil
	}

	method := profile.PreferredMethod
	if method == "" {
		method = models.MethodOTPApp
	}

	now := s.now()
	session := &models.AuthSession{
		AuthID:    uuid.New().String(),
		User:      user,
		Method:    method,
		Entries:   append([]string(nil), paymentEntries...),
		Setup:     methodConfigured(method, profile),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}

	prompt := ""
	if session.Setup {
		switch method {
		case models.MethodOTPApp:
			prompt = "Enter verification code from your OTP app"
		case models.MethodSMS, models.MethodEmail:
			code, err := challenge.NumericCode(6)
			if err != nil {
				return nil, fmt.Errorf("generating verification code: %w", err)
			}
			session.CodeHash = challenge.HashCode(code, []byte(s.cfg.CodeHashKey))
			if err := s.sender.Send(ctx, method, profile, code); err != nil {
				return nil, fmt.Errorf("sending verification code: %w", err)
			}
			if method == models.MethodSMS {
				prompt = fmt.Sprintf("Enter verification code sent to %s", maskMobile(profile.Mobile))
			} else {
				prompt = fmt.Sprintf("Enter verification code sent to %s", maskEmail(profile.Email))
			}
		case models.MethodPassword:
			prompt = "Enter your account password"
		}
	}

	if err := s.repo.CreateAuthSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating auth session: %w", err)
	}

	s.logger.Info("auth session created",
		slog.String("auth_id", session.AuthID),
		slog.String("method", string(method)),
		slog.Int("batch_size", len(paymentEntries)),
	)

	return &models.GenerationResult{
		Method: method,
		Setup:  session.Setup,
		Prompt: prompt,
		AuthID: session.AuthID,
	}, nil
}

// VerifyAuthenticator checks one response against a session. It never
// errors on a wrong response; the verdict carries the user-facing message.
func (s *Service) VerifyAuthenticator(ctx context.Context, response, authID string) (models.Verification, error) {
	response = strings.TrimSpace(response)

	session, err := s.repo.GetAuthSession(ctx, authID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.Verification{Message: "Invalid authentication session."}, nil
		}
		return models.Verification{}, fmt.Errorf("loading auth session: %w", err)
	}

	switch {
	case session.Consumed || session.Verified:
		// Single use: a verified session is evidence, not a second chance.
		return models.Verification{Message: "Authentication session already used."}, nil
	case s.now().After(session.ExpiresAt):
		return models.Verification{Message: "Authentication session expired. Please try again."}, nil
	case !session.Setup:
		return models.Verification{Message: "Authentication method is not configured. Please contact your Administrator."}, nil
	case session.Attempts >= s.cfg.MaxVerifyAttempts:
		return models.Verification{Message: "Too many invalid attempts. Please start again."}, nil
	}

	ok, err := s.checkResponse(ctx, session, response)
	if err != nil {
		return models.Verification{}, err
	}
	if !ok {
		attempts, err := s.repo.RecordFailedAttempt(ctx, authID)
		if err != nil {
			return models.Verification{}, fmt.Errorf("recording attempt: %w", err)
		}
		if attempts >= s.cfg.MaxVerifyAttempts {
			return models.Verification{Message: "Too many invalid attempts. Please start again."}, nil
		}
		return models.Verification{}, nil
	}

	if err := s.repo.MarkVerified(ctx, authID); err != nil {
		return models.Verification{}, fmt.Errorf("marking session verified: %w", err)
	}
	return models.Verification{Verified: true, Message: "OTP verified successfully."}, nil
}

// VerifyOTP is the legacy single-method variant kept for older clients.
func (s *Service) VerifyOTP(ctx context.Context, otp, authID string) (models.Verification, error) {
	return s.VerifyAuthenticator(ctx, otp, authID)
}

func (s *Service) checkResponse(ctx context.Context, session *models.AuthSession, response string) (bool, error) {
	switch session.Method {
	case models.MethodOTPApp:
		profile, err := s.repo.GetAuthProfile(ctx, session.User)
		if err != nil {
			return false, fmt.Errorf("loading auth profile: %w", err)
		}
		return challenge.ValidateTOTP(response, profile.TOTPSecret), nil
	case models.MethodSMS, models.MethodEmail:
		return challenge.VerifyCode(response, []byte(s.cfg.CodeHashKey), session.CodeHash), nil
	case models.MethodPassword:
		ok, err := s.passwords.Verify(ctx, session.User, response)
		if err != nil {
			return false, fmt.Errorf("verifying password: %w", err)
		}
		return ok, nil
	default:
		return false, fmt.Errorf("unsupported auth method: %s", session.Method)
	}
}

// IsAlreadyPaid is the server side of the amendment guard fallback: was the
// amendment source processed for automated payment.
func (s *Service) IsAlreadyPaid(ctx context.Context, amendedFrom string) (bool, error) {
	if amendedFrom == "" {
		return false, nil
	}
	entry, err := s.repo.GetPaymentEntry(ctx, amendedFrom)
	if err != nil {
		return false, fmt.Errorf("loading amendment source: %w", err)
	}
	return entry.MakeBankOnlinePayment, nil
}

// BulkPayAndSubmit executes a verified batch. Order of docnames is the
// caller's (marked first, then unmarked). Returns the docnames that failed;
// successful submissions are never rolled back when others fail.
//
// Batches under InlineBatchLimit run inside the call. Up to MaxBatchSize
// they are queued in the background job group and the result arrives on
// the task channel only. Anything larger is rejected.
func (s *Service) BulkPayAndSubmit(ctx context.Context, user, authID string, docnames []string, markOnlinePayment bool, taskID string) ([]string, error) {
	allowed, err := s.CanAuthorizePayments(ctx, user)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrPermissionDenied
	}

	session, err := s.repo.GetAuthSession(ctx, authID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotAuthorized
		}
		return nil, fmt.Errorf("loading auth session: %w", err)
	}
	if session.User != user || !session.Verified || session.Consumed ||
		s.now().After(session.ExpiresAt) || !session.Covers(docnames) {
		return nil, ErrNotAuthorized
	}
	if len(docnames) > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: bulk operations only support up to %d documents", ErrBatchTooLarge, s.cfg.MaxBatchSize)
	}

	if err := s.repo.ConsumeAuthSession(ctx, authID); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrNotAuthorized
		}
		return nil, fmt.Errorf("consuming auth session: %w", err)
	}

	if len(docnames) < s.cfg.InlineBatchLimit {
		return s.payAndSubmit(ctx, docnames, markOnlinePayment, authID, taskID, "Submitting Payment Entry"), nil
	}

	s.publisher.Publish(taskID, realtime.Progress{
		Title:       "Bulk operation is enqueued in background.",
		Description: fmt.Sprintf("%d Payment Entries", len(docnames)),
	})
	batch := append([]string(nil), docnames...)
	s.jobs.Go(func() error {
		failed := s.payAndSubmit(context.Background(), batch, markOnlinePayment, authID, taskID,
			"Queuing Payment Entry for Submission")
		if len(failed) > 0 {
			s.logger.Error("background bulk submission finished with failures",
				slog.String("task_id", taskID),
				slog.Any("failed", failed),
			)
		}
		return nil
	})
	return nil, nil
}

func (s *Service) payAndSubmit(ctx context.Context, docnames []string, markOnlinePayment bool, authID, taskID, title string) []string {
	var failed []string
	total := len(docnames)

	for idx, name := range docnames {
		entry, err := s.repo.GetPaymentEntry(ctx, name)
		switch {
		case err != nil:
			s.logger.Error("loading payment entry", slog.String("name", name), slog.Any("err", err))
			failed = append(failed, name)
		case entry.Docstatus != models.DocstatusDraft:
			failed = append(failed, name)
		default:
			if markOnlinePayment && !entry.MakeBankOnlinePayment {
				if err := s.repo.SetOnlinePaymentFlag(ctx, name, true); err != nil {
					s.logger.Error("marking for online payment", slog.String("name", name), slog.Any("err", err))
					failed = append(failed, name)
					break
				}
				entry.MakeBankOnlinePayment = true
			}
			if err := s.submitter.Submit(ctx, entry, authID); err != nil {
				s.logger.Error("submitting payment entry", slog.String("name", name), slog.Any("err", err))
				failed = append(failed, name)
				break
			}
			if err := s.repo.MarkSubmitted(ctx, name); err != nil {
				s.logger.Error("finalizing payment entry", slog.String("name", name), slog.Any("err", err))
				failed = append(failed, name)
			}
		}

		s.publisher.Publish(taskID, realtime.Progress{
			Percent:     float64(idx+1) / float64(total) * 100,
			Title:       title,
			Description: name,
		})
	}

	return failed
}

func methodConfigured(method models.AuthMethod, profile *models.AuthProfile) bool {
	switch method {
	case models.MethodOTPApp:
		return profile.TOTPSecret != ""
	case models.MethodSMS:
		return profile.Mobile != ""
	case models.MethodEmail:
		return profile.Email != ""
	case models.MethodPassword:
		// Password storage is external; the method is always available.
		return true
	default:
		return false
	}
}

func maskMobile(mobile string) string {
	if len(mobile) <= 4 {
		return mobile
	}
	return strings.Repeat("*", len(mobile)-4) + mobile[len(mobile)-4:]
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return email
	}
	return email[:1] + strings.Repeat("*", at-1) + email[at:]
}
