// services/auth_service_client.go
package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tournament-engine/utils"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

type AuthServiceClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

type ValidateResponse struct {
	UserID                  string   `json:"user_id"`
	DeviceID                string   `json:"device_id"`
	OTPNotRequiredForDevice bool     `json:"otp_not_required_for_device"`
	Roles                   []string `json:"roles"`
}

func NewAuthServiceClient(baseURL, token string, timeout time.Duration) *AuthServiceClient {
	return &AuthServiceClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  utils.NewHTTPClient(timeout),
	}
}

// ValidateToken calls /auth/validate on the auth service.
func (c *AuthServiceClient) ValidateToken(ctx context.Context, accessToken, deviceID string) (*ValidateResponse, error) {
	url := fmt.Sprintf("%s/auth/validate", c.BaseURL)
	body := map[string]interface{}{
		"access_token": accessToken,
		"device_id":    deviceID,
	}

	var out ValidateResponse
	if err := utils.DoJSON(ctx, c.Client, http.MethodPost, url, c.Token, body, &out); err != nil {
		logrus.WithError(err).Warn("auth service /validate failed")
		return nil, eris.Wrap(ErrUpstream, err.Error())
	}
	if out.UserID == "" {
		return nil, eris.Wrap(ErrUpstream, "auth service returned no user")
	}
	return &out, nil
}
