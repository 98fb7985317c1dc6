package appbootstrap

import (
	"context"
	"database/sql"

	"merlin-itsm/api"
	"merlin-itsm/config"
	"merlin-itsm/core/alerting"
	"merlin-itsm/core/approval"
	"merlin-itsm/core/auth"
	"merlin-itsm/core/backups"
	"merlin-itsm/core/lifecycle"
	"merlin-itsm/core/rbac"
	"merlin-itsm/core/requests"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

type runtimeComposition struct {
	server           *api.Server
	sessions         *auth.SessionManager
	scanEngine       *alerting.Engine
	backupsScheduler *backups.Scheduler
	users            store.UsersStore
}

func composeRuntime(cfg *config.AppConfig, db *sql.DB, logger *utils.Logger) (*runtimeComposition, error) {
	users := store.NewUsersStore(db)
	sessions := store.NewSessionsStore(db)
	audits := store.NewAuditStore(db)
	entities := store.NewEntitiesStore(db)
	compliance := store.NewComplianceStore(db)

	policy, err := rbac.NewPolicy()
	if err != nil {
		return nil, err
	}
	machine := lifecycle.NewMachine()
	resolver := approval.NewResolver(cfg.Approvals.Policies)
	sla := approval.NewSLATable(cfg.Approvals.SLAHours)
	requestsSvc := requests.NewService(entities, audits, machine, resolver, sla, cfg, logger)

	var sink alerting.Sink
	if cfg.Compliance.WebhookURL != "" {
		sink = alerting.NewHTTPWebhookSender(cfg.Compliance.WebhookURL)
	}
	scanEngine := alerting.NewEngine(compliance, sink, cfg.Compliance.ScanSchedule, cfg.Compliance.StaleAfter, logger)

	backupsSvc := backups.NewService(cfg, db, audits, logger)
	backupsScheduler := backups.NewScheduler(backupsSvc, cfg.Backups.Interval)

	sessionManager := auth.NewSessionManager(users, sessions, cfg, logger)
	server := api.NewServer(cfg, policy, sessionManager, users, audits, requestsSvc, compliance, scanEngine, backupsSvc, logger)

	return &runtimeComposition{
		server:           server,
		sessions:         sessionManager,
		scanEngine:       scanEngine,
		backupsScheduler: backupsScheduler,
		users:            users,
	}, nil
}

// bootstrapAdmin seeds the first admin account on an empty install. An
// existing user table is left untouched.
func bootstrapAdmin(ctx context.Context, users store.UsersStore, cfg *config.AppConfig, logger *utils.Logger) error {
	n, err := users.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	password := cfg.Bootstrap.AdminPassword
	if password == "" {
		generated, err := utils.RandString(16)
		if err != nil {
			return err
		}
		password = generated
		logger.Printf("generated admin password: %s (change it after first login)", password)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	u := &store.User{
		Username:     cfg.Bootstrap.AdminUsername,
		FullName:     "Administrator",
		PasswordHash: hash,
		Roles:        []string{"admin"},
		Active:       true,
	}
	if _, err := users.CreateUser(ctx, u); err != nil {
		return err
	}
	logger.Printf("bootstrap admin account %q created", u.Username)
	return nil
}
