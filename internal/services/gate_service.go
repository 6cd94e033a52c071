package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
	"ticket-engine/monitoring"
	"ticket-engine/utils"
)

const (
	gateCacheTTL = 5 * time.Minute
	gateTokenTTL = 12 * time.Hour
)

// GateService is the gate registry. Reads go through a Redis cache that
// every write invalidates; the store stays authoritative.
type GateService struct {
	store    *store.Store
	redis    redis.Cmdable
	ttl      time.Duration
	tokenKey []byte
}

// NewGateService signs device tokens with a per-process key until
// WithTokenSecret installs a shared one.
func NewGateService(st *store.Store, rdb redis.Cmdable) *GateService {
	key, err := utils.GenerateCode(32)
	if err != nil {
		panic(fmt.Sprintf("gate token key: %v", err))
	}
	return &GateService{store: st, redis: rdb, ttl: gateCacheTTL, tokenKey: []byte(key)}
}

func (s *GateService) WithTokenSecret(secret string) *GateService {
	if secret != "" {
		s.tokenKey = []byte(secret)
	}
	return s
}

func gateCacheKey(id string) string {
	return "gate:" + id
}

// Get returns the gate with its category and staff assignments.
func (s *GateService) Get(ctx context.Context, id string) (*models.Gate, error) {
	if g, ok := s.cached(ctx, id); ok {
		monitoring.TrackGateCache(true)
		return g, nil
	}
	monitoring.TrackGateCache(false)

	g, err := s.store.GetGate(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, g)
	return g, nil
}

func (s *GateService) cached(ctx context.Context, id string) (*models.Gate, bool) {
	if s.redis == nil {
		return nil, false
	}
	raw, err := s.redis.Get(ctx, gateCacheKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("gate cache read failed", "gate_id", id, "error", err)
		}
		return nil, false
	}
	var g models.Gate
	if err := json.Unmarshal(raw, &g); err != nil {
		slog.Warn("gate cache entry unreadable", "gate_id", id, "error", err)
		return nil, false
	}
	return &g, true
}

// remember caches g. The access code hash is not part of the JSON form and
// is never needed on the scan path.
func (s *GateService) remember(ctx context.Context, g *models.Gate) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, gateCacheKey(g.ID), raw, s.ttl).Err(); err != nil {
		slog.Warn("gate cache write failed", "gate_id", g.ID, "error", err)
	}
}

func (s *GateService) invalidate(ctx context.Context, id string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, gateCacheKey(id)).Err(); err != nil {
		slog.Warn("gate cache invalidation failed", "gate_id", id, "error", err)
	}
}

func (s *GateService) IsActive(ctx context.Context, gateID string) bool {
	g, err := s.Get(ctx, gateID)
	if err != nil {
		return false
	}
	return g.Active()
}

// IsAuthorized reports whether the gate admits tickets of categoryID.
// Explicit category assignments win; otherwise VIP gates take VIP
// categories and regular gates take the rest.
func (s *GateService) IsAuthorized(ctx context.Context, gateID, categoryID string) bool {
	g, err := s.Get(ctx, gateID)
	if err != nil {
		return false
	}
	ok, err := s.authorized(ctx, g, categoryID)
	return err == nil && ok
}

func (s *GateService) authorized(ctx context.Context, g *models.Gate, categoryID string) (bool, error) {
	if len(g.CategoryIDs) > 0 {
		return g.Authorizes(categoryID, false), nil
	}
	cat, err := s.store.GetCategory(ctx, categoryID)
	if err != nil {
		return false, err
	}
	return g.Authorizes(categoryID, cat.IsVIP), nil
}

// CheckAccess is the scan-time gate decision. It returns the rejection
// reason and message, or an empty reason when the gate admits the ticket.
// Errors are lookup failures, never rejections.
func (s *GateService) CheckAccess(ctx context.Context, gateID, categoryID, staffID string) (reason, msg string, err error) {
	g, err := s.Get(ctx, gateID)
	if errors.Is(err, status.ErrNotFound) {
		return models.ReasonGateMismatch, "Unknown gate", nil
	}
	if err != nil {
		return "", "", err
	}
	if !g.Active() {
		return models.ReasonGateMismatch, "Gate is not active", nil
	}
	ok, err := s.authorized(ctx, g, categoryID)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return models.ReasonGateMismatch, "Ticket is not valid at this gate", nil
	}
	if !g.Staffed(staffID) {
		return models.ReasonStaffNotAssigned, "Staff is not assigned to this gate", nil
	}
	return "", "", nil
}

// Upsert writes a gate and replaces its assignments in one transaction.
func (s *GateService) Upsert(ctx context.Context, g *models.Gate) (*models.Gate, error) {
	if strings.TrimSpace(g.ID) == "" || strings.TrimSpace(g.Code) == "" {
		return nil, fmt.Errorf("gate: %w: id and code required", status.ErrValidation)
	}
	if g.Capacity < 0 {
		return nil, fmt.Errorf("gate %s: %w: negative capacity", g.ID, status.ErrValidation)
	}
	if g.Status == "" {
		g.Status = models.GateActive
	}
	if g.Status != models.GateActive && g.Status != models.GateInactive {
		return nil, fmt.Errorf("gate %s: %w: status %q", g.ID, status.ErrValidation, g.Status)
	}

	var saved *models.Gate
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		for _, catID := range g.CategoryIDs {
			if _, err := s.store.GetCategory(ctx, catID); err != nil {
				return fmt.Errorf("assign category %s: %w", catID, err)
			}
		}
		if err := s.store.UpsertGate(ctx, g); err != nil {
			return err
		}
		if err := s.store.ReplaceGateCategories(ctx, g.ID, g.CategoryIDs); err != nil {
			return err
		}
		if err := s.store.ReplaceGateStaff(ctx, g.ID, g.StaffIDs); err != nil {
			return err
		}
		var err error
		saved, err = s.store.GetGate(ctx, g.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, g.ID)
	slog.Info("gate saved", "gate_id", saved.ID, "status", saved.Status,
		"categories", len(saved.CategoryIDs), "staff", len(saved.StaffIDs))
	return saved, nil
}

func (s *GateService) SetStatus(ctx context.Context, gateID string, st models.GateStatus) error {
	if st != models.GateActive && st != models.GateInactive {
		return fmt.Errorf("gate status %q: %w", st, status.ErrValidation)
	}
	if err := s.store.SetGateStatus(ctx, gateID, st); err != nil {
		return err
	}
	s.invalidate(ctx, gateID)
	return nil
}

func (s *GateService) AssignCategories(ctx context.Context, gateID string, categoryIDs []string) error {
	if err := s.store.ReplaceGateCategories(ctx, gateID, categoryIDs); err != nil {
		return err
	}
	s.invalidate(ctx, gateID)
	return nil
}

func (s *GateService) AssignStaff(ctx context.Context, gateID string, staffIDs []string) error {
	if err := s.store.ReplaceGateStaff(ctx, gateID, staffIDs); err != nil {
		return err
	}
	s.invalidate(ctx, gateID)
	return nil
}

// SetAccessCode stores a bcrypt hash of code for gate devices. An empty
// code generates a six digit one. The plain code is returned once.
func (s *GateService) SetAccessCode(ctx context.Context, gateID, code string) (string, error) {
	if code == "" {
		var err error
		if code, err = utils.GenerateOTP(6); err != nil {
			return "", err
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash access code: %w", err)
	}
	if err := s.store.SetGateAccessCodeHash(ctx, gateID, string(hash)); err != nil {
		return "", err
	}
	s.invalidate(ctx, gateID)
	return code, nil
}

func (s *GateService) VerifyAccessCode(ctx context.Context, gateID, code string) bool {
	g, err := s.store.GetGate(ctx, gateID)
	if err != nil || g.AccessCodeHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(g.AccessCodeHash), []byte(code)) == nil
}

type gateClaims struct {
	GateID string `json:"gate_id"`
	jwt.RegisteredClaims
}

// GateSession is what a scanning device gets back from Login.
type GateSession struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	Gate      *models.Gate `json:"gate"`
}

// Login checks a device's access code and issues a token bound to the gate.
func (s *GateService) Login(ctx context.Context, gateID, code string) (*GateSession, error) {
	if !s.VerifyAccessCode(ctx, gateID, code) {
		return nil, fmt.Errorf("gate %s: %w", gateID, status.ErrInvalidAccessCode)
	}
	g, err := s.Get(ctx, gateID)
	if err != nil {
		return nil, err
	}

	now := s.store.Now().Time()
	exp := now.Add(gateTokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, gateClaims{
		GateID: gateID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	})
	signed, err := token.SignedString(s.tokenKey)
	if err != nil {
		return nil, fmt.Errorf("sign gate token: %w", err)
	}

	slog.Info("gate device logged in", "gate_id", gateID)
	return &GateSession{Token: signed, ExpiresAt: exp, Gate: g}, nil
}

// Authenticate admits a scanning device to a gate. Unlocked gates take any
// device; locked gates need a token from Login for that same gate. Unknown
// gates pass so the scan itself records the mismatch.
func (s *GateService) Authenticate(ctx context.Context, gateID, token string) error {
	g, err := s.Get(ctx, gateID)
	if errors.Is(err, status.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !g.Locked {
		return nil
	}
	if token == "" {
		return fmt.Errorf("gate %s: %w", gateID, status.ErrGateLoginRequired)
	}

	claims := &gateClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.tokenKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.store.Now().Time() }),
	)
	if err != nil || claims.GateID != gateID {
		return fmt.Errorf("gate %s: %w", gateID, status.ErrGateLoginRequired)
	}
	return nil
}
