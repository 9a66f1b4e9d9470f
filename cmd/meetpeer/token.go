package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mossy-p/meet-signaling/config"
	"github.com/spf13/cobra"
)

var (
	flagUser        string
	flagPassword    string
	flagDisplayName string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Log in and print an identity token",
	Long: `Log in against the signaling server and print the issued token.

Examples:
  meetpeer token --user alice --name "Alice"
  export TOKEN=$(meetpeer token --user bob)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient(config.ClientOptions{ServerURL: flagServer})
		if err != nil {
			return err
		}
		token, err := login(cmd.Context(), cfg.HTTPBaseURL(), flagUser, flagPassword, flagDisplayName)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&flagUser, "user", "u", "", "user id")
	tokenCmd.Flags().StringVarP(&flagPassword, "password", "p", "demo", "password")
	tokenCmd.Flags().StringVarP(&flagDisplayName, "name", "n", "", "display name")
	tokenCmd.MarkFlagRequired("user")
}

type loginResponse struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

func login(ctx context.Context, baseURL, user, password, displayName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"username":    user,
		"password":    password,
		"displayName": displayName,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("invalid login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed: %s", out.Error)
	}
	return out.Token, nil
}
