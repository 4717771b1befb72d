package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"entitysync/server/internal/auth"
	"entitysync/server/internal/broadcast"
	"entitysync/server/internal/httpapi"
	"entitysync/server/internal/pipeline"
	"entitysync/server/internal/protocol"
	"entitysync/server/internal/session"
	"entitysync/server/internal/storage"

	"github.com/coreos/go-oidc/v3/oidc"
)

func main() {
	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	dbPath := envOr("DB_PATH", "entitysync.db")
	userEntity := envOr("USER_ENTITY", "user")
	entities := splitList(envOr("ENTITIES", "task"))
	sessionTTL := 30 * 24 * time.Hour
	if raw := os.Getenv("SESSION_TTL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("invalid SESSION_TTL %q: %v", raw, err)
		}
		sessionTTL = parsed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenSQLite(dbPath)
	if err != nil {
		log.Fatalf("open database %s: %v", dbPath, err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		log.Fatalf("init database %s: %v", dbPath, err)
	}
	sessions := session.NewStore(store)
	defer sessions.Wait()
	hub := broadcast.NewHub(0)

	authCfg := auth.Config{
		OIDC: auth.OIDCConfig{
			IssuerURL:    os.Getenv("OIDC_ISSUER_URL"),
			ClientID:     os.Getenv("OIDC_CLIENT_ID"),
			ClientSecret: os.Getenv("OIDC_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("OIDC_REDIRECT_URL"),
		},
		Cookie: auth.CookieConfig{
			Key:    os.Getenv("SESSION_KEY"),
			TTL:    sessionTTL,
			Secure: os.Getenv("COOKIE_SECURE") == "true",
		},
	}

	users := pipeline.UserDefinition{
		EntityDefinition: pipeline.EntityDefinition{Authorization: auth.OwnUserRecord{}},
	}
	nonUsers := make(map[string]pipeline.EntityDefinition, len(entities))
	var issuer auth.SessionIssuer
	if issuerURL := authCfg.OIDC.IssuerURL; issuerURL != "" {
		provider, err := oidc.NewProvider(ctx, issuerURL)
		if err != nil {
			log.Fatalf("oidc provider %s: %v", issuerURL, err)
		}
		verifier := provider.Verifier(&oidc.Config{ClientID: authCfg.OIDC.ClientID})
		authenticator := auth.NewOIDCAuthenticator(verifier, store, sessions, userEntity, sessionTTL)
		users.Authentication = authenticator
		issuer = authenticator
	}
	for _, name := range entities {
		def := pipeline.EntityDefinition{}
		if issuer != nil {
			def.Authorization = writesNeedSession
		}
		nonUsers[name] = def
	}

	p, err := pipeline.New(pipeline.Config{
		Client:   store,
		Sessions: sessions,
		Definitions: pipeline.Definitions{
			Users:    map[string]pipeline.UserDefinition{userEntity: users},
			NonUsers: nonUsers,
		},
		Publisher: hub,
	})
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}
	authManager, err := auth.NewManager(authCfg, issuer)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	mux := http.NewServeMux()
	httpapi.NewServer(p, authManager, hub).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("server listening on %s entities=%s users=%s oidc=%t", addr, strings.Join(entities, ","), userEntity, issuer != nil)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

// writesNeedSession lets anyone read but only logged-in users change data.
var writesNeedSession = pipeline.AuthorizerFunc(func(ctx context.Context, req protocol.RequestData, session *protocol.Session) (bool, error) {
	switch req.Method {
	case protocol.MethodFind, protocol.MethodFindOne, protocol.MethodGet, protocol.MethodGetByIDs, protocol.MethodPull:
		return true, nil
	}
	return session != nil, nil
})

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
