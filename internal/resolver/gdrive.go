package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/saltflake/modfetch/internal/utils"
)

var (
	driveFileRegex      = regexp.MustCompile(`https://drive\.google\.com/file/d/([^/]+)`)
	driveShortLinkRegex = regexp.MustCompile(`https://drive\.google\.com/open\?id=([^&\s]+)`)
)

const driveAPIURL = "https://www.googleapis.com/drive/v3/files"

// GDrive resolves gdrive:// references (and pasted share links) to the
// Drive API media endpoint, authenticated with either an API key or an
// OAuth2 token from a credentials file.
type GDrive struct{}

func (r *GDrive) Schemes() []string {
	return []string{"gdrive"}
}

func extractFileID(raw string) (string, error) {
	if matches := driveFileRegex.FindStringSubmatch(raw); len(matches) > 1 {
		return matches[1], nil
	}
	if matches := driveShortLinkRegex.FindStringSubmatch(raw); len(matches) > 1 {
		return matches[1], nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if id := parsed.Query().Get("id"); id != "" {
		return id, nil
	}
	// gdrive://<fileID>
	if parsed.Scheme == "gdrive" && parsed.Host != "" {
		return parsed.Host, nil
	}
	return "", fmt.Errorf("unable to extract file ID from URL: %s", raw)
}

func (r *GDrive) Resolve(ctx context.Context, rawURL string) ([]string, error) {
	fileID, err := extractFileID(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidRequest, err)
	}
	token, err := authToken(ctx)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(token, "AIza") {
		return []string{fmt.Sprintf("%s/%s?alt=media&key=%s", driveAPIURL, fileID, token)}, nil
	}
	// Bearer tokens can't ride in the URL; the access_token query
	// parameter keeps the candidate a plain fetchable URL.
	return []string{fmt.Sprintf("%s/%s?alt=media&access_token=%s", driveAPIURL, fileID, url.QueryEscape(token))}, nil
}

func authToken(ctx context.Context) (string, error) {
	credentialsFile := os.Getenv("GDRIVE_CREDENTIALS")
	if credentialsFile != "" {
		return tokenFromCredentials(ctx, credentialsFile)
	}
	apiKey := os.Getenv("GDRIVE_API_KEY")
	if apiKey == "" {
		return "", errors.New("neither GDRIVE_CREDENTIALS nor GDRIVE_API_KEY environment variables are set")
	}
	return apiKey, nil
}

func tokenFromCredentials(ctx context.Context, credentialsFile string) (string, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", fmt.Errorf("unable to read credentials file: %v", err)
	}
	config, err := google.ConfigFromJSON(b, "https://www.googleapis.com/auth/drive.readonly")
	if err != nil {
		return "", fmt.Errorf("unable to parse client secret file: %v", err)
	}
	tokenFile := ".modfetch-token.json"
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return "", fmt.Errorf("no cached OAuth token; authorize first: %v", err)
	}
	if !token.Valid() {
		if token.RefreshToken == "" {
			return "", errors.New("OAuth token is expired and cannot be refreshed")
		}
		newToken, err := config.TokenSource(ctx, token).Token()
		if err != nil {
			return "", fmt.Errorf("unable to refresh token: %v", err)
		}
		token = newToken
		if err := saveToken(tokenFile, token); err != nil {
			log := utils.GetLogger("gdrive-resolver")
			log.Debug().Err(err).Msg("Could not cache refreshed token")
		}
	}
	return token.AccessToken, nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	token := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(token)
	return token, err
}

func saveToken(file string, token *oauth2.Token) error {
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}
