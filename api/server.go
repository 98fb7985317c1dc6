package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"merlin-itsm/api/handlers"
	"merlin-itsm/config"
	"merlin-itsm/core/alerting"
	"merlin-itsm/core/auth"
	"merlin-itsm/core/backups"
	"merlin-itsm/core/rbac"
	"merlin-itsm/core/requests"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

type Server struct {
	cfg            *config.AppConfig
	logger         *utils.Logger
	policy         *rbac.Policy
	sessionManager *auth.SessionManager
	users          store.UsersStore
	audits         store.AuditStore
	requestsSvc    *requests.Service
	compliance     store.ComplianceStore
	scanEngine     *alerting.Engine
	backupsSvc     *backups.Service
	loginLimiter   *requestLimiter
	httpServer     *http.Server
}

func NewServer(cfg *config.AppConfig, policy *rbac.Policy, sessionManager *auth.SessionManager,
	users store.UsersStore, audits store.AuditStore, requestsSvc *requests.Service,
	compliance store.ComplianceStore, scanEngine *alerting.Engine, backupsSvc *backups.Service,
	logger *utils.Logger) *Server {
	return &Server{
		cfg:            cfg,
		logger:         logger,
		policy:         policy,
		sessionManager: sessionManager,
		users:          users,
		audits:         audits,
		requestsSvc:    requestsSvc,
		compliance:     compliance,
		scanEngine:     scanEngine,
		backupsSvc:     backupsSvc,
		loginLimiter:   newLimiter(5, time.Minute),
	}
}

func (s *Server) Router() http.Handler {
	authH := handlers.NewAuthHandler(s.cfg, s.sessionManager, s.audits, s.logger)
	requestsH := handlers.NewRequestsHandler(s.requestsSvc, s.logger)
	complianceH := handlers.NewComplianceHandler(s.compliance, s.scanEngine, s.cfg, s.audits, s.logger)
	accountsH := handlers.NewAccountsHandler(s.users, s.sessionManager, s.audits, s.logger)
	logsH := handlers.NewLogsHandler(s.audits)
	backupsH := handlers.NewBackupsHandler(s.backupsSvc, s.logger)

	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.jsonMiddleware)

		r.Post("/auth/login", s.rateLimitMiddleware(authH.Login))
		r.Post("/auth/logout", s.withSession(authH.Logout))
		r.Get("/auth/me", s.withSession(authH.Me))

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", s.guard(rbac.PermRequestsView, requestsH.List))
			r.Post("/", s.guard(rbac.PermRequestsCreate, requestsH.Create))
			r.Get("/kinds/{kind}", s.guard(rbac.PermRequestsView, requestsH.Vocabulary))
			r.Get("/{id}", s.guard(rbac.PermRequestsView, requestsH.Get))
			r.Delete("/{id}", s.guard(rbac.PermRequestsDelete, requestsH.Delete))
			r.Post("/{id}/transition", s.guard(rbac.PermRequestsTransit, requestsH.Transition))
			r.Post("/{id}/approve", s.guard(rbac.PermRequestsTransit, requestsH.Approve))
			r.Post("/{id}/reject", s.guard(rbac.PermRequestsTransit, requestsH.Reject))
			r.Get("/{id}/approval", s.guard(rbac.PermRequestsView, requestsH.ApprovalStatus))
			r.Get("/{id}/history", s.guard(rbac.PermRequestsView, requestsH.History))
			r.Get("/{id}/links", s.guard(rbac.PermRequestsView, requestsH.ListLinks))
			r.Post("/{id}/links", s.guard(rbac.PermRequestsTransit, requestsH.AddLink))
			r.Delete("/links/{link_id}", s.guard(rbac.PermRequestsTransit, requestsH.DeleteLink))
		})

		r.Route("/compliance", func(r chi.Router) {
			r.Get("/targets", s.guard(rbac.PermComplianceView, complianceH.ListTargets))
			r.Post("/targets", s.guard(rbac.PermComplianceManage, complianceH.CreateTarget))
			r.Put("/targets/{id}", s.guard(rbac.PermComplianceManage, complianceH.UpdateTarget))
			r.Delete("/targets/{id}", s.guard(rbac.PermComplianceManage, complianceH.DeactivateTarget))
			r.Get("/targets/{id}/measurements", s.guard(rbac.PermComplianceView, complianceH.ListMeasurements))
			r.Post("/targets/{id}/measurements", s.guard(rbac.PermComplianceMeasure, complianceH.AddMeasurement))
			r.Get("/status", s.guard(rbac.PermComplianceView, complianceH.Status))
			r.Post("/scan", s.guard(rbac.PermComplianceManage, complianceH.ScanNow))
			r.Get("/alerts", s.guard(rbac.PermComplianceView, complianceH.ListAlerts))
		})

		r.Get("/logs", s.guard(rbac.PermAuditView, logsH.List))

		r.Get("/backups", s.guard(rbac.PermAccountsManage, backupsH.List))
		r.Post("/backups", s.guard(rbac.PermAccountsManage, backupsH.Create))

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.guard(rbac.PermAccountsManage, accountsH.List))
			r.Post("/", s.guard(rbac.PermAccountsManage, accountsH.Create))
			r.Put("/{id}", s.guard(rbac.PermAccountsManage, accountsH.Update))
			r.Post("/{id}/password", s.guard(rbac.PermAccountsManage, accountsH.SetPassword))
			r.Post("/{id}/active", s.guard(rbac.PermAccountsManage, accountsH.SetActive))
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

// guard composes the session and permission middleware in route order.
func (s *Server) guard(perm rbac.Permission, next http.HandlerFunc) http.HandlerFunc {
	return s.withSession(s.requirePermission(perm)(next))
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("http server listening on %s", s.cfg.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
