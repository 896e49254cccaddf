// Command seed creates demo accounts for local development: an admin, two
// guides with public profiles and a tourist. Running it twice is safe;
// accounts that already exist are left as they are.
//
// Usage:
//
//	go run ./cmd/seed
//	PROVIDER_DATABASE_URL=postgres://... PROVIDER_JWT_SECRET=... go run ./cmd/seed
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/guidegenie/guidegenie/internal/authadmin"
	"github.com/guidegenie/guidegenie/internal/config"
	"github.com/guidegenie/guidegenie/internal/email"
	"github.com/guidegenie/guidegenie/internal/model"
	"github.com/guidegenie/guidegenie/internal/provider"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// demoPassword is shared by every seeded account.
const demoPassword = "genie-demo-2024"

type seedAccount struct {
	Params authadmin.SignupParams
	Guide  *model.GuideProfile
}

var accounts = []seedAccount{
	{Params: authadmin.SignupParams{Email: "admin@guidegenie.dev", Name: "Ada Admin", UserType: model.UserTypeAdmin}},
	{
		Params: authadmin.SignupParams{Email: "marco@guidegenie.dev", Name: "Marco Rossi", UserType: model.UserTypeGuide},
		Guide: &model.GuideProfile{
			Name: "Marco Rossi", City: "Rome", ContactEmail: "marco@guidegenie.dev",
			Bio: model.StringPtr("Licensed guide for the Forum, the Palatine and Trastevere food walks."),
		},
	},
	{
		Params: authadmin.SignupParams{Email: "ines@guidegenie.dev", Name: "Inês Duarte", UserType: model.UserTypeGuide},
		Guide: &model.GuideProfile{
			Name: "Inês Duarte", City: "Lisbon", ContactEmail: "ines@guidegenie.dev",
			Phone: model.StringPtr("+351 912 345 678"),
		},
	},
	{Params: authadmin.SignupParams{Email: "tom@guidegenie.dev", Name: "Tom Traveller", UserType: model.UserTypeTourist}},
}

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync() //nolint:errcheck

	if err := run(context.Background(), logger); err != nil {
		logger.Error("seed failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	cfg, err := config.Load(config.New())
	if err != nil {
		return err
	}
	if cfg.Provider.JWTSecret == "" {
		return errors.New("provider.jwt_secret must be set so seeded accounts can sign in to the server")
	}

	db, err := pgxpool.New(ctx, cfg.Provider.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	tokens := provider.NewTokenIssuer([]byte(cfg.Provider.JWTSecret), cfg.Provider.Issuer, cfg.Provider.TokenTTL)
	client := provider.NewPostgres(db, tokens, provider.NewOAuthBroker(nil, tokens), provider.NewMemoryBus(), email.NewNoopSender(logger), logger)
	admin := authadmin.NewService(client, logger)

	for _, a := range accounts {
		id, err := ensureAccount(ctx, admin, a.Params)
		if err != nil {
			return fmt.Errorf("account %s: %w", a.Params.Email, err)
		}
		if a.Guide != nil {
			if err := ensureGuide(ctx, client, id, *a.Guide); err != nil {
				return fmt.Errorf("guide %s: %w", a.Params.Email, err)
			}
		}
		logger.Info("seeded", zap.String("email", a.Params.Email), zap.String("type", string(a.Params.UserType)))
	}

	logger.Info("seed complete", zap.Int("accounts", len(accounts)), zap.String("password", demoPassword))
	return nil
}

// ensureAccount creates the account, or signs in to find the existing one.
// An existing account must also have its users row, since guide profiles
// reference it.
func ensureAccount(ctx context.Context, admin *authadmin.Service, p authadmin.SignupParams) (uuid.UUID, error) {
	p.Password = demoPassword
	u, err := admin.SignupUser(ctx, p)
	if err == nil {
		return u.ID, nil
	}
	perr, ok := provider.IsProviderError(err)
	if !ok || perr.Message != provider.MsgAlreadyRegistered {
		return uuid.Nil, err
	}
	sess, err := admin.SigninUser(ctx, p.Email, demoPassword)
	if err != nil {
		return uuid.Nil, fmt.Errorf("account exists with another password: %w", err)
	}
	defer admin.SignoutUser(ctx, sess.AccessToken) //nolint:errcheck
	u, err = admin.CurrentUser(ctx, sess.AccessToken)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load users row: %w", err)
	}
	return u.ID, nil
}

func ensureGuide(ctx context.Context, client provider.Client, userID uuid.UUID, g model.GuideProfile) error {
	_, err := client.Guides().GetByUserID(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, provider.ErrNoRows) {
		return err
	}
	g.UserID = userID
	_, err = client.Guides().Insert(ctx, &g)
	return err
}
