package qase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const scimUserSchema = "urn:ietf:params:scim:schemas:core:2.0:User"

// SCIMEnabled reports whether a SCIM token was configured. The regular
// authors API cannot create workspace members; provisioning needs SCIM.
func (c *Client) SCIMEnabled() bool { return c.scimToken != "" }

// SCIMName splits a display name for the SCIM user schema.
type SCIMName struct {
	GivenName  string `json:"givenName"`
	FamilyName string `json:"familyName"`
}

// SCIMUserCreate is the payload for provisioning one user.
type SCIMUserCreate struct {
	Schemas  []string `json:"schemas"`
	UserName string   `json:"userName"`
	Name     SCIMName `json:"name"`
	Active   bool     `json:"active"`
}

// CreateSCIMUser provisions a workspace user and returns the SCIM id.
// A 409 conflict means the user already exists; callers re-resolve the
// author by email in that case.
func (c *Client) CreateSCIMUser(ctx context.Context, email, givenName, familyName string, active bool) (string, error) {
	if c.scimToken == "" {
		return "", errors.New("qase: scim token not configured")
	}
	payload := SCIMUserCreate{
		Schemas:  []string{scimUserSchema},
		UserName: email,
		Name:     SCIMName{GivenName: givenName, FamilyName: familyName},
		Active:   active,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal scim user: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.scimURL+"/Users", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.scimToken)
	req.Header.Set("Content-Type", "application/scim+json")
	req.Header.Set("Accept", "application/scim+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusConflict {
		return "", nil
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", newAPIError(resp.StatusCode, body)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("parse scim response: %w", err)
	}
	return created.ID, nil
}
