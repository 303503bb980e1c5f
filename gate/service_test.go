package gate

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/alovak/payout-gate/gate/models"
	"github.com/alovak/payout-gate/internal/realtime"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type capturingSender struct {
	code   string
	method models.AuthMethod
	calls  int
}

func (s *capturingSender) Send(ctx context.Context, method models.AuthMethod, profile *models.AuthProfile, code string) error {
	s.calls++
	s.method = method
	s.code = code
	return nil
}

type recordingSubmitter struct {
	submitted []string
	failOn    map[string]bool
}

func (s *recordingSubmitter) Submit(ctx context.Context, entry *models.PaymentEntry, authID string) error {
	if s.failOn[entry.Name] {
		return fmt.Errorf("bank rejected %s", entry.Name)
	}
	s.submitted = append(s.submitted, entry.Name)
	return nil
}

func staticPasswords(valid string) PasswordVerifier {
	return PasswordVerifierFunc(func(ctx context.Context, user, password string) (bool, error) {
		return password == valid, nil
	})
}

type testEnv struct {
	repo      *Repository
	service   *Service
	sender    *capturingSender
	submitter *recordingSubmitter
	broker    *realtime.Broker
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	repo := NewRepository()
	sender := &capturingSender{}
	submitter := &recordingSubmitter{failOn: map[string]bool{}}
	broker := realtime.NewBroker()
	logger := slog.New(slog.NewTextHandler(io.Discard))
	svc := NewService(repo, cfg, logger, sender, staticPasswords("hunter2"), submitter, broker)
	return &testEnv{repo: repo, service: svc, sender: sender, submitter: submitter, broker: broker}
}

func (e *testEnv) seedAuthorizer(t *testing.T, user string, method models.AuthMethod) {
	t.Helper()
	require.NoError(t, e.repo.SeedAuthProfile(&models.AuthProfile{
		User:            user,
		Roles:           []string{models.RolePaymentAuthorizer},
		PreferredMethod: method,
		Mobile:          "9876543210",
		Email:           "authorizer@example.com",
	}))
}

func (e *testEnv) seedDrafts(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, e.repo.SeedPaymentEntry(&models.PaymentEntry{
			Name:               name,
			PaymentType:        models.PaymentTypePay,
			Docstatus:          models.DocstatusDraft,
			IntegrationDoctype: "Bank Integration",
			IntegrationDocname: "BI-" + name,
		}))
	}
}

func TestGenerateOTP_SilentWithoutRole(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.repo.SeedAuthProfile(&models.AuthProfile{
		User:  "clerk@example.com",
		Roles: []string{"Accounts User"},
	}))

	result, err := env.service.GenerateOTP(context.Background(), "clerk@example.com", []string{"PE-0001"})

	require.NoError(t, err)
	require.Nil(t, result, "missing role must refuse silently, not error")
}

func TestGenerateOTP_UnknownUserIsSilent(t *testing.T) {
	env := newTestEnv(t, nil)

	result, err := env.service.GenerateOTP(context.Background(), "ghost@example.com", []string{"PE-0001"})

	require.NoError(t, err)
	require.Nil(t, result)
}

func TestGenerateOTP_OneSessionPerBatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)

	batch := []string{"PE-0001", "PE-0002", "PE-0003"}
	result, err := env.service.GenerateOTP(context.Background(), "authorizer@example.com", batch)

	require.NoError(t, err)
	require.NotNil(t, result)
	require.True(t, result.Setup)
	require.Equal(t, models.MethodSMS, result.Method)
	require.NotEmpty(t, result.AuthID)
	require.Equal(t, 1, env.sender.calls, "one challenge secret for the whole batch")

	session, err := env.repo.GetAuthSession(context.Background(), result.AuthID)
	require.NoError(t, err)
	require.Equal(t, batch, session.Entries)
}

func TestGenerateOTP_PromptMasksContact(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)

	result, err := env.service.GenerateOTP(context.Background(), "authorizer@example.com", []string{"PE-0001"})

	require.NoError(t, err)
	require.Contains(t, result.Prompt, "3210")
	require.NotContains(t, result.Prompt, "9876543210", "full mobile number must not appear in the prompt")
}

func TestGenerateOTP_SetupFalseWhenMethodUnconfigured(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.repo.SeedAuthProfile(&models.AuthProfile{
		User:            "authorizer@example.com",
		Roles:           []string{models.RolePaymentAuthorizer},
		PreferredMethod: models.MethodOTPApp,
		// no TOTP secret enrolled
	}))

	result, err := env.service.GenerateOTP(context.Background(), "authorizer@example.com", []string{"PE-0001"})

	require.NoError(t, err)
	require.NotNil(t, result, "session is still created so the user can be told")
	require.False(t, result.Setup)
	require.Empty(t, result.Prompt)

	// The session can never verify.
	verdict, err := env.service.VerifyAuthenticator(context.Background(), "123456", result.AuthID)
	require.NoError(t, err)
	require.False(t, verdict.Verified)
	require.Contains(t, verdict.Message, "Administrator")
}

func TestVerify_SMSCodeRoundtrip(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)

	result, err := env.service.GenerateOTP(context.Background(), "authorizer@example.com", []string{"PE-0001"})
	require.NoError(t, err)

	// wrong code first
	verdict, err := env.service.VerifyAuthenticator(context.Background(), "000000", result.AuthID)
	require.NoError(t, err)
	require.False(t, verdict.Verified)

	// the delivered code, with caller-side whitespace
	verdict, err = env.service.VerifyAuthenticator(context.Background(), "  "+env.sender.code+" ", result.AuthID)
	require.NoError(t, err)
	require.True(t, verdict.Verified)
	require.Equal(t, "OTP verified successfully.", verdict.Message)
}

func TestVerify_TOTP(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "payout-gate", AccountName: "authorizer@example.com"})
	require.NoError(t, err)

	env := newTestEnv(t, nil)
	require.NoError(t, env.repo.SeedAuthProfile(&models.AuthProfile{
		User:            "authorizer@example.com",
		Roles:           []string{models.RolePaymentAuthorizer},
		PreferredMethod: models.MethodOTPApp,
		TOTPSecret:      key.Secret(),
	}))

	result, err := env.service.GenerateOTP(context.Background(), "authorizer@example.com", []string{"PE-0001"})
	require.NoError(t, err)
	require.True(t, result.Setup)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)

	verdict, err := env.service.VerifyAuthenticator(context.Background(), code, result.AuthID)
	require.NoError(t, err)
	require.True(t, verdict.Verified)
}

func TestVerify_Password(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodPassword)

	result, err := env.service.GenerateOTP(context.Background(), "authorizer@example.com", []string{"PE-0001"})
	require.NoError(t, err)
	require.Equal(t, models.MethodPassword, result.Method)
	require.True(t, result.Setup)

	verdict, err := env.service.VerifyAuthenticator(context.Background(), "wrong", result.AuthID)
	require.NoError(t, err)
	require.False(t, verdict.Verified)

	verdict, err = env.service.VerifyAuthenticator(context.Background(), "hunter2", result.AuthID)
	require.NoError(t, err)
	require.True(t, verdict.Verified)
}

func TestVerify_AttemptCapKillsSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxVerifyAttempts = 3
	env := newTestEnv(t, cfg)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)

	result, err := env.service.GenerateOTP(context.Background(), "authorizer@example.com", []string{"PE-0001"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		verdict, err := env.service.VerifyAuthenticator(context.Background(), "000000", result.AuthID)
		require.NoError(t, err)
		require.False(t, verdict.Verified)
	}

	// Even the right code is dead now.
	verdict, err := env.service.VerifyAuthenticator(context.Background(), env.sender.code, result.AuthID)
	require.NoError(t, err)
	require.False(t, verdict.Verified)
	require.Contains(t, verdict.Message, "Too many invalid attempts")
}

func TestVerify_SessionExpiry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)

	result, err := env.service.GenerateOTP(context.Background(), "authorizer@example.com", []string{"PE-0001"})
	require.NoError(t, err)

	env.service.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	verdict, err := env.service.VerifyAuthenticator(context.Background(), env.sender.code, result.AuthID)
	require.NoError(t, err)
	require.False(t, verdict.Verified)
	require.Contains(t, verdict.Message, "expired")
}

func TestVerify_UnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)

	verdict, err := env.service.VerifyAuthenticator(context.Background(), "123456", "no-such-session")
	require.NoError(t, err)
	require.False(t, verdict.Verified)
	require.Contains(t, verdict.Message, "Invalid authentication session")
}

func authorize(t *testing.T, env *testEnv, user string, batch []string) string {
	t.Helper()
	result, err := env.service.GenerateOTP(context.Background(), user, batch)
	require.NoError(t, err)
	require.NotNil(t, result)
	verdict, err := env.service.VerifyAuthenticator(context.Background(), env.sender.code, result.AuthID)
	require.NoError(t, err)
	require.True(t, verdict.Verified)
	return result.AuthID
}

func TestBulk_RequiresVerifiedSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)
	env.seedDrafts(t, "PE-0001")

	result, err := env.service.GenerateOTP(context.Background(), "authorizer@example.com", []string{"PE-0001"})
	require.NoError(t, err)

	// Execute without verifying first.
	_, err = env.service.BulkPayAndSubmit(context.Background(), "authorizer@example.com",
		result.AuthID, []string{"PE-0001"}, false, "task-1")
	require.ErrorIs(t, err, ErrNotAuthorized)
	require.Empty(t, env.submitter.submitted)
}

func TestBulk_SessionCoversOnlyItsBatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)
	env.seedDrafts(t, "PE-0001", "PE-0002")

	authID := authorize(t, env, "authorizer@example.com", []string{"PE-0001"})

	_, err := env.service.BulkPayAndSubmit(context.Background(), "authorizer@example.com",
		authID, []string{"PE-0001", "PE-0002"}, false, "task-1")
	require.ErrorIs(t, err, ErrNotAuthorized, "auth evidence must not stretch to records outside the batch")
}

func TestBulk_SessionIsSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)
	env.seedDrafts(t, "PE-0001", "PE-0002")

	authID := authorize(t, env, "authorizer@example.com", []string{"PE-0001", "PE-0002"})

	failed, err := env.service.BulkPayAndSubmit(context.Background(), "authorizer@example.com",
		authID, []string{"PE-0001", "PE-0002"}, false, "task-1")
	require.NoError(t, err)
	require.Empty(t, failed)

	_, err = env.service.BulkPayAndSubmit(context.Background(), "authorizer@example.com",
		authID, []string{"PE-0001", "PE-0002"}, false, "task-2")
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestBulk_PermissionDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.repo.SeedAuthProfile(&models.AuthProfile{
		User:  "clerk@example.com",
		Roles: []string{"Accounts User"},
	}))

	_, err := env.service.BulkPayAndSubmit(context.Background(), "clerk@example.com",
		"whatever", []string{"PE-0001"}, false, "task-1")
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestBulk_MarksAndSubmits(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)
	env.seedDrafts(t, "PE-0001", "PE-0002")

	authID := authorize(t, env, "authorizer@example.com", []string{"PE-0001", "PE-0002"})

	failed, err := env.service.BulkPayAndSubmit(context.Background(), "authorizer@example.com",
		authID, []string{"PE-0001", "PE-0002"}, true, "task-1")
	require.NoError(t, err)
	require.Empty(t, failed)
	require.Equal(t, []string{"PE-0001", "PE-0002"}, env.submitter.submitted)

	for _, name := range []string{"PE-0001", "PE-0002"} {
		entry, err := env.repo.GetPaymentEntry(context.Background(), name)
		require.NoError(t, err)
		require.Equal(t, models.DocstatusSubmitted, entry.Docstatus)
		require.True(t, entry.MakeBankOnlinePayment)
	}
}

func TestBulk_PartialFailuresReportedNotRolledBack(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)
	env.seedDrafts(t, "PE-0001", "PE-0002", "PE-0003", "PE-0004")
	// PE-0005 is already submitted and cannot go again
	require.NoError(t, env.repo.SeedPaymentEntry(&models.PaymentEntry{
		Name:               "PE-0005",
		PaymentType:        models.PaymentTypePay,
		Docstatus:          models.DocstatusSubmitted,
		IntegrationDoctype: "Bank Integration",
		IntegrationDocname: "BI-PE-0005",
	}))
	env.submitter.failOn["PE-0003"] = true

	batch := []string{"PE-0001", "PE-0002", "PE-0003", "PE-0004", "PE-0005"}
	authID := authorize(t, env, "authorizer@example.com", batch)

	failed, err := env.service.BulkPayAndSubmit(context.Background(), "authorizer@example.com",
		authID, batch, false, "task-1")
	require.NoError(t, err)
	require.Equal(t, []string{"PE-0003", "PE-0005"}, failed)

	// PE-0001 stays submitted even though later records failed.
	entry, err := env.repo.GetPaymentEntry(context.Background(), "PE-0001")
	require.NoError(t, err)
	require.Equal(t, models.DocstatusSubmitted, entry.Docstatus)
}

func TestBulk_ProgressPublishedPerRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)
	env.seedDrafts(t, "PE-0001", "PE-0002")

	authID := authorize(t, env, "authorizer@example.com", []string{"PE-0001", "PE-0002"})

	ch := env.broker.Subscribe("task-1")

	_, err := env.service.BulkPayAndSubmit(context.Background(), "authorizer@example.com",
		authID, []string{"PE-0001", "PE-0002"}, false, "task-1")
	require.NoError(t, err)
	env.broker.Unsubscribe("task-1")

	var events []realtime.Progress
	for p := range ch {
		events = append(events, p)
	}
	require.Len(t, events, 2)
	require.Equal(t, "PE-0001", events[0].Description)
	require.InDelta(t, 50, events[0].Percent, 0.01)
	require.InDelta(t, 100, events[1].Percent, 0.01)
}

func TestBulk_LargeBatchGoesToBackground(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InlineBatchLimit = 3
	env := newTestEnv(t, cfg)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)
	batch := make([]string, 0, 4)
	for i := 1; i <= 4; i++ {
		name := fmt.Sprintf("PE-%04d", i)
		batch = append(batch, name)
	}
	env.seedDrafts(t, batch...)

	authID := authorize(t, env, "authorizer@example.com", batch)

	failed, err := env.service.BulkPayAndSubmit(context.Background(), "authorizer@example.com",
		authID, batch, false, "task-1")
	require.NoError(t, err)
	require.Nil(t, failed, "background batches report through the task channel only")

	require.NoError(t, env.service.Wait())
	for _, name := range batch {
		entry, err := env.repo.GetPaymentEntry(context.Background(), name)
		require.NoError(t, err)
		require.Equal(t, models.DocstatusSubmitted, entry.Docstatus)
	}
}

func TestBulk_OversizedBatchRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 2
	env := newTestEnv(t, cfg)
	env.seedAuthorizer(t, "authorizer@example.com", models.MethodSMS)
	env.seedDrafts(t, "PE-0001", "PE-0002", "PE-0003")

	batch := []string{"PE-0001", "PE-0002", "PE-0003"}
	authID := authorize(t, env, "authorizer@example.com", batch)

	_, err := env.service.BulkPayAndSubmit(context.Background(), "authorizer@example.com",
		authID, batch, false, "task-1")
	require.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestIsAlreadyPaid(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.repo.SeedPaymentEntry(&models.PaymentEntry{
		Name:                  "PE-0001",
		MakeBankOnlinePayment: true,
	}))

	paid, err := env.service.IsAlreadyPaid(context.Background(), "PE-0001")
	require.NoError(t, err)
	require.True(t, paid)

	paid, err = env.service.IsAlreadyPaid(context.Background(), "")
	require.NoError(t, err)
	require.False(t, paid)
}
