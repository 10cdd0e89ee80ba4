package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/apperr"
	"github.com/mcraig150/Skybound-realms-sub002/config"
	"github.com/mcraig150/Skybound-realms-sub002/logger"
	"github.com/mcraig150/Skybound-realms-sub002/metrics"
)

// devPlayerParam names the query parameter carrying the player id when
// authentication is disabled.
const devPlayerParam = "playerId"

// CustomClaims defines the structure of the JWT claims used in the system.
// The subject is the player id; the 'jti' is checked against the revocation
// list.
type CustomClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c *CustomClaims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// JWTValidator handles JWT validation logic.
type JWTValidator struct {
	cfg         *config.AuthConfig
	redisClient redis.UniversalClient
}

// NewJWTValidator creates a new JWT validator. redisClient may be nil, in
// which case revocation is not checked.
func NewJWTValidator(cfg *config.AuthConfig, redisClient redis.UniversalClient) *JWTValidator {
	return &JWTValidator{
		cfg:         cfg,
		redisClient: redisClient,
	}
}

// ValidateToken parses and validates a JWT string. It checks the signature,
// standard claims (like expiration), and the revocation list in Redis.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*CustomClaims, error) {
	var opts []jwt.ParserOption
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("could not cast claims to CustomClaims")
	}

	revoked, err := v.isTokenRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open so a Redis outage does not lock every player out.
		logger.L.Error("failed to check token revocation status", zap.Error(err))
	}
	if revoked {
		return nil, errors.New("token has been revoked")
	}
	return claims, nil
}

// isTokenRevoked checks if a token ID (JTI) is in the Redis revocation list.
func (v *JWTValidator) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil || jti == "" {
		if jti == "" {
			logger.L.Debug("token has no jti claim, revocation not checked")
		}
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", v.cfg.RevocationListKey, jti)
	exists, err := v.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return exists == 1, nil
}

// Player is a directory entry.
type Player struct {
	ID       string
	Username string
}

// PlayerDirectory resolves player ids to known players.
type PlayerDirectory interface {
	Lookup(ctx context.Context, playerID string) (Player, error)
}

// RedisDirectory reads players from hashes at "<prefix>:<playerId>".
type RedisDirectory struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDirectory(client redis.UniversalClient, prefix string) *RedisDirectory {
	if prefix == "" {
		prefix = "player"
	}
	return &RedisDirectory{client: client, prefix: prefix}
}

func (d *RedisDirectory) Lookup(ctx context.Context, playerID string) (Player, error) {
	name, err := d.client.HGet(ctx, d.prefix+":"+playerID, "username").Result()
	if errors.Is(err, redis.Nil) {
		return Player{}, apperr.New(apperr.CodePlayerNotFound, "player %s not found", playerID)
	}
	if err != nil {
		return Player{}, apperr.Wrap(apperr.CodeStoreFailed, err, "player lookup failed")
	}
	return Player{ID: playerID, Username: name}, nil
}

// StaticDirectory maps player ids to usernames. A nil StaticDirectory
// accepts every player and uses the id as the username.
type StaticDirectory map[string]string

func (d StaticDirectory) Lookup(_ context.Context, playerID string) (Player, error) {
	if d == nil {
		return Player{ID: playerID, Username: playerID}, nil
	}
	name, ok := d[playerID]
	if !ok {
		return Player{}, apperr.New(apperr.CodePlayerNotFound, "player %s not found", playerID)
	}
	return Player{ID: playerID, Username: name}, nil
}

// Identity is the result of a successful admission.
type Identity struct {
	PlayerID string
	Username string
	Claims   *CustomClaims
}

// Admitter authenticates upgrade requests.
type Admitter struct {
	cfg       *config.AuthConfig
	validator *JWTValidator
	directory PlayerDirectory
}

func NewAdmitter(cfg *config.AuthConfig, validator *JWTValidator, directory PlayerDirectory) *Admitter {
	if directory == nil {
		directory = StaticDirectory(nil)
	}
	return &Admitter{cfg: cfg, validator: validator, directory: directory}
}

// Admit resolves the request's credential to a known player. Errors carry
// MISSING_CREDENTIAL, INVALID_CREDENTIAL or PLAYER_NOT_FOUND.
func (a *Admitter) Admit(r *http.Request) (*Identity, error) {
	id, err := a.admit(r)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		return nil, err
	}
	metrics.AuthSuccess.Inc()
	return id, nil
}

func (a *Admitter) admit(r *http.Request) (*Identity, error) {
	ctx := r.Context()

	var (
		playerID string
		claims   *CustomClaims
	)
	if a.cfg.Enabled {
		token := credential(r, a.cfg.TokenQueryParam)
		if token == "" {
			return nil, apperr.ErrMissingCredential
		}
		if a.validator == nil {
			return nil, apperr.New(apperr.CodeInvalidCredential, "authentication is enabled but no validator is configured")
		}
		c, err := a.validator.ValidateToken(ctx, token)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInvalidCredential, err, "credential rejected")
		}
		if c.Subject == "" {
			return nil, apperr.New(apperr.CodeInvalidCredential, "credential has no subject")
		}
		playerID, claims = c.Subject, c
	} else {
		playerID = r.URL.Query().Get(devPlayerParam)
		if playerID == "" {
			return nil, apperr.ErrMissingCredential
		}
	}

	player, err := a.directory.Lookup(ctx, playerID)
	if err != nil {
		return nil, err
	}
	return &Identity{PlayerID: player.ID, Username: player.Username, Claims: claims}, nil
}

// credential returns the bearer token from the Authorization header, falling
// back to the query parameter browsers can set on a WebSocket URL.
func credential(r *http.Request, queryParam string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if queryParam == "" {
		return ""
	}
	return r.URL.Query().Get(queryParam)
}
