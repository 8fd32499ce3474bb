package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"expflow/internal/config"
	"expflow/internal/dto/req"
	"expflow/internal/dto/resp"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const (
	RedisKeyPrefix = "expflow:auth:session:"
	Issuer         = "expflow-auth-service"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrSessionExpired     = errors.New("session expired")
)

type account struct {
	passwordHash []byte
	role         string
}

type AuthService struct {
	redis           redis.Cmdable
	signingKey      []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	users           map[string]account
}

type UserClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"sub"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func NewAuthService(rdb redis.Cmdable, cfg config.AuthConfig) (*AuthService, error) {
	if len(cfg.SigningKey) < 16 {
		return nil, errors.New("auth.signing_key must be at least 16 bytes")
	}
	users := make(map[string]account, len(cfg.Users))
	for _, u := range cfg.Users {
		switch u.Role {
		case RoleAdmin, RoleReviewer, RoleOwner:
		default:
			return nil, fmt.Errorf("user %q has unknown role %q", u.Username, u.Role)
		}
		users[u.Username] = account{passwordHash: []byte(u.PasswordHash), role: u.Role}
	}
	return &AuthService{
		redis:           rdb,
		signingKey:      []byte(cfg.SigningKey),
		accessTokenTTL:  cfg.AccessTokenTTL,
		refreshTokenTTL: cfg.RefreshTokenTTL,
		users:           users,
	}, nil
}

// Login authenticates a user and returns pair of tokens
func (s *AuthService) Login(ctx context.Context, r req.LoginReq) (*resp.TokenResp, error) {
	acct, ok := s.users[r.Username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(r.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	tokens, err := s.generateTokens(ctx, r.Username, r.Username, acct.role)
	if err != nil {
		return nil, err
	}
	tokens.User = resp.UserInfo{
		ID:       r.Username,
		Username: r.Username,
		Role:     acct.role,
	}
	return tokens, nil
}

// ParseToken verifies a token signed by this service.
func (s *AuthService) ParseToken(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(t *jwt.Token) (any, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Refresh handles token rotation using the Refresh Token
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*resp.TokenResp, error) {
	claims, err := s.ParseToken(refreshToken)
	if err != nil {
		return nil, err
	}

	key := RedisKeyPrefix + claims.UserID
	storedToken, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	if storedToken != refreshToken {
		// reuse of a rotated token: end the session
		_ = s.redis.Del(ctx, key).Err()
		return nil, ErrTokenInvalid
	}

	tokens, err := s.generateTokens(ctx, claims.UserID, claims.Username, claims.Role)
	if err != nil {
		return nil, err
	}
	tokens.User = resp.UserInfo{ID: claims.UserID, Username: claims.Username, Role: claims.Role}
	return tokens, nil
}

func (s *AuthService) Logout(ctx context.Context, userID string) error {
	return s.redis.Del(ctx, RedisKeyPrefix+userID).Err()
}

func (s *AuthService) generateTokens(ctx context.Context, userID, username, role string) (*resp.TokenResp, error) {
	now := time.Now()
	atClaims := UserClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, atClaims).SignedString(s.signingKey)
	if err != nil {
		return nil, err
	}

	rtClaims := UserClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			ID:        uuid.New().String(),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rtClaims).SignedString(s.signingKey)
	if err != nil {
		return nil, err
	}

	// allow-list the refresh token
	if err := s.redis.Set(ctx, RedisKeyPrefix+userID, refreshToken, s.refreshTokenTTL).Err(); err != nil {
		return nil, err
	}

	return &resp.TokenResp{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTokenTTL.Seconds()),
	}, nil
}
