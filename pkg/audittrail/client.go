// Copyright 2025 Certen Protocol
//
// Package audittrail mirrors each sealed block's summary to Firestore
// for external dashboards. The mirror is best-effort and never sits on
// the commit-critical path: a write failure is logged and the round is
// unaffected.
package audittrail

import (
	"context"
	"fmt"
	"log"
	"sync"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// Client wraps the Firebase Admin SDK Firestore client. A disabled
// client is a no-op, so callers never need to branch on configuration.
type Client struct {
	app       *firebase.App
	firestore *gcpfirestore.Client
	projectID string
	logger    *log.Logger
	enabled   bool
	mu        sync.RWMutex
}

// ClientConfig holds configuration for the Firestore client.
type ClientConfig struct {
	// ProjectID is the Firebase/GCP project ID.
	ProjectID string

	// CredentialsFile is the path to the service account JSON file. If
	// empty, the SDK falls back to GOOGLE_APPLICATION_CREDENTIALS.
	CredentialsFile string

	// Enabled controls whether writes are actually performed.
	Enabled bool

	Logger *log.Logger
}

// NewClient creates a Firestore client, or a no-op client when disabled.
func NewClient(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[AuditTrail] ", log.LstdFlags)
	}

	client := &Client{
		projectID: cfg.ProjectID,
		logger:    cfg.Logger,
		enabled:   cfg.Enabled,
	}

	if !cfg.Enabled {
		cfg.Logger.Println("audit trail mirror is DISABLED - running in no-op mode")
		return client, nil
	}

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("audittrail: FIREBASE_PROJECT_ID is required when the mirror is enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("audittrail: firebase app: %w", err)
	}
	fs, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("audittrail: firestore client: %w", err)
	}

	client.app = app
	client.firestore = fs
	cfg.Logger.Printf("audit trail mirror enabled for project %s", cfg.ProjectID)
	return client, nil
}

// IsEnabled reports whether writes actually reach Firestore.
func (c *Client) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled && c.firestore != nil
}

// Close releases the Firestore connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firestore != nil {
		return c.firestore.Close()
	}
	return nil
}
