package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/karthikraju391/roomchat/cloud"
	"github.com/karthikraju391/roomchat/config"
	"github.com/karthikraju391/roomchat/models"
	"github.com/karthikraju391/roomchat/store"
)

const (
	defaultBurn = 250
	maxBurn     = 10000
)

// History serves a page of a room's log, oldest-first.
func (srv *Server) History(c *fiber.Ctx) error {
	room := c.Params("room")
	if !srv.Registry.Has(room) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unknown room"})
	}
	limit, offset := store.ClampPage(
		c.QueryInt("limit", store.DefaultPageSize),
		c.QueryInt("offset", 0),
	)

	ctx, cancel := context.WithTimeout(c.UserContext(), srv.Config.StoreTimeout)
	defer cancel()
	msgs, err := srv.Store.Recent(ctx, room, limit, offset)
	if err != nil {
		if errors.Is(err, store.ErrUnknownRoom) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unknown room"})
		}
		srv.Metrics.StoreError("recent")
		srv.Logger.Error("History query failed", "room", room, "limit", limit, "offset", offset, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return c.JSON(msgs)
}

// Health reports whether the history store is reachable.
func (srv *Server) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), srv.Config.StoreTimeout)
	defer cancel()
	if err := srv.Store.Ping(ctx); err != nil {
		srv.Metrics.StoreError("ping")
		srv.Logger.Error("Health check failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"ok": false, "error": "DB error"})
	}
	return c.JSON(fiber.Map{"ok": true, "rooms": srv.Registry.Names()})
}

// WhoAmI identifies the instance behind the load balancer.
func (srv *Server) WhoAmI(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"instanceId": nullIfEmpty(srv.Instance.InstanceID),
		"az":         nullIfEmpty(srv.Instance.AZ),
		"time":       time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Burn spins the CPU for ?ms milliseconds so autoscaling can be exercised.
func (srv *Server) Burn(c *fiber.Ctx) error {
	ms := c.QueryInt("ms", defaultBurn)
	ms = max(0, min(maxBurn, ms))

	end := time.Now().Add(time.Duration(ms) * time.Millisecond)
	var sink float64
	for time.Now().Before(end) {
		sink += math.Sqrt(rand.Float64())
	}
	_ = sink

	return c.JSON(fiber.Map{"ok": true, "burnedMs": ms, "at": time.Now().UTC().Format(time.RFC3339Nano)})
}

// Upload stores the multipart "image" field and returns its URL.
func (srv *Server) Upload(c *fiber.Ctx) error {
	if srv.Uploader == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Uploads disabled"})
	}
	fh, err := c.FormFile("image")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing image"})
	}
	if fh.Size > cloud.MaxUploadSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": "File too large"})
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := fh.Header.Get(fiber.HeaderContentType)
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	url, err := srv.Uploader.Upload(c.UserContext(), fh.Filename, contentType, fh.Size, f)
	if err != nil {
		srv.Logger.Error("Upload failed", "file", fh.Filename, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Upload failed"})
	}
	return c.JSON(fiber.Map{"url": url})
}

type clientConfig struct {
	Rooms          []string `json:"rooms"`
	Region         string   `json:"region"`
	UserPoolID     string   `json:"userPoolId"`
	ClientID       string   `json:"clientId"`
	Domain         string   `json:"domain"`
	InstanceID     string   `json:"instanceId"`
	AZ             string   `json:"az"`
	S3Bucket       string   `json:"s3Bucket"`
	TypingExpiryMs int64    `json:"typingExpiryMs"`
}

func (srv *Server) clientConfig() clientConfig {
	return clientConfig{
		Rooms:          srv.Registry.Names(),
		Region:         srv.Config.Region,
		UserPoolID:     srv.Config.UserPoolID,
		ClientID:       srv.Config.ClientID,
		Domain:         srv.Config.Domain,
		InstanceID:     srv.Instance.InstanceID,
		AZ:             srv.Instance.AZ,
		S3Bucket:       srv.Config.S3Bucket,
		TypingExpiryMs: config.TypingExpiry.Milliseconds(),
	}
}

// ClientConfig is the bootstrap the browser client needs before login.
func (srv *Server) ClientConfig(c *fiber.Ctx) error {
	return c.JSON(srv.clientConfig())
}

// Index serves the home page with the client config inlined ahead of any
// script that reads it.
func (srv *Server) Index(c *fiber.Ctx) error {
	html, err := os.ReadFile(filepath.Join(srv.Config.PublicDir, "index.html"))
	if err != nil {
		return fiber.ErrNotFound
	}
	cfg, err := json.Marshal(srv.clientConfig())
	if err != nil {
		return err
	}
	script := []byte("<head><script>window.ROOMCHAT_CONFIG=" + string(cfg) + "</script>")
	c.Type("html")
	return c.Send(bytes.Replace(html, []byte("<head>"), script, 1))
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
