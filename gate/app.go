package gate

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/alovak/payout-gate/gate/models"
	"github.com/alovak/payout-gate/internal/middleware"
	"github.com/alovak/payout-gate/internal/realtime"
	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"golang.org/x/exp/slog"
)

// App is the main application, it contains all the components of the payout
// gate and is responsible for starting and stopping them.
type App struct {
	srv     *http.Server
	wg      *sync.WaitGroup
	Addr    string
	logger  *slog.Logger
	config  *Config
	service *Service
	Broker  *realtime.Broker
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "payout-gate"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	router := chi.NewRouter()
	router.Use(middleware.NewStructuredLogger(a.logger))

	// Choose repository backend: default to pg for runtime; allow mem only
	// when explicitly enabled for tests and local development.
	var repository *Repository
	backend := getenv("REPO_BACKEND", "pg")
	allowMem := getenv("ALLOW_MEM_BACKEND_FOR_TESTS", "false") == "true"
	switch backend {
	case "pg":
		dsn := getenv("DB_DSN", "")
		if dsn == "" {
			return fmt.Errorf("DB_DSN is required for pg backend")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)
		if err := db.Ping(); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		repository = NewPGRepository(db)
	case "mem":
		if !allowMem {
			return fmt.Errorf("mem repository is disabled at runtime; set ALLOW_MEM_BACKEND_FOR_TESTS=true only in tests")
		}
		repository = NewRepository()
	default:
		return fmt.Errorf("unsupported REPO_BACKEND=%s", backend)
	}

	if key := getenv("CODE_HASH_KEY", ""); key != "" {
		a.config.CodeHashKey = key
	}

	a.Broker = realtime.NewBroker()
	a.service = NewService(repository, a.config, a.logger,
		newLogSender(a.logger), denyAllPasswords(), newLogSubmitter(a.logger), a.Broker)

	api := NewAPI(a.service, a.Broker)
	api.AppendRoutes(router)

	// Health endpoints
	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler: router,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

// Service exposes the wired gate service, mainly for in-process callers
// and tests.
func (a *App) Service() *Service {
	return a.service
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	a.srv.Shutdown(context.Background())

	if err := a.service.Wait(); err != nil {
		a.logger.Error("draining background submissions", "err", err)
	}

	a.wg.Wait()

	a.logger.Info("app stopped")
}

// newLogSender stands in for an SMS/mail gateway: the code never hits the
// logs, only the delivery target does.
func newLogSender(logger *slog.Logger) CodeSender {
	return CodeSenderFunc(func(ctx context.Context, method models.AuthMethod, profile *models.AuthProfile, code string) error {
		target := profile.Mobile
		if method == models.MethodEmail {
			target = profile.Email
		}
		logger.Info("verification code dispatched",
			slog.String("method", string(method)),
			slog.String("to", target),
		)
		return nil
	})
}

// denyAllPasswords rejects the password method until a credential backend
// is wired in deployment.
func denyAllPasswords() PasswordVerifier {
	return PasswordVerifierFunc(func(ctx context.Context, user, password string) (bool, error) {
		return false, nil
	})
}

// newLogSubmitter is the development execution backend: it acknowledges
// each entry without talking to a bank.
func newLogSubmitter(logger *slog.Logger) Submitter {
	return SubmitterFunc(func(ctx context.Context, entry *models.PaymentEntry, authID string) error {
		logger.Info("payment entry executed",
			slog.String("name", entry.Name),
			slog.Bool("online_payment", entry.MakeBankOnlinePayment),
			slog.String("auth_id", authID),
		)
		return nil
	})
}
