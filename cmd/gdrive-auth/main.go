// Command gdrive-auth runs the OAuth consent flow once and prints the refresh
// token the gdrive archive provider needs in GDRIVE_REFRESH_TOKEN.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"audio2mp4/internal/config"
	"audio2mp4/internal/pkg/logger"
	"audio2mp4/internal/storage"
)

const consentTimeout = 3 * time.Minute

func main() {
	log := logger.New(logger.Config{Level: "info", Format: "text", ServiceName: "gdrive-auth", Output: os.Stderr})

	// The provider may not validate yet: the refresh token is what this fetches.
	cfg, err := config.Read(".env")
	if err != nil {
		log.LogFatal("failed to load config", err)
	}
	g := cfg.Storage.GDrive
	if g.ClientID == "" || g.ClientSecret == "" {
		log.LogFatal("missing credentials", errors.New("GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET are required"))
	}

	token, err := authorize(context.Background(), log, g.ClientID, g.ClientSecret)
	if err != nil {
		log.LogFatal("authorization failed", err)
	}
	if strings.TrimSpace(token.RefreshToken) == "" {
		log.Warn("no refresh token returned; revoke the app at https://myaccount.google.com/permissions and retry")
		os.Exit(1)
	}

	fmt.Println(token.RefreshToken)
}

// authorize serves a one-shot callback on a free loopback port and exchanges
// the code it receives.
func authorize(ctx context.Context, log *logger.Logger, clientID, clientSecret string) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", ln.Addr().(*net.TCPAddr).Port)
	conf := storage.OAuthConfig(clientID, clientSecret, redirectURL)
	state := randomState()

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		code, err := callbackCode(r, state)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			select {
			case errCh <- err:
			default:
			}
			return
		}
		fmt.Fprintln(w, "OK. You can close this window and return to the terminal.")
		select {
		case codeCh <- code:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n\n%s\n\n", authURL)
	log.Info("waiting for authorization", "redirect_url", redirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return nil, err
	case <-time.After(consentTimeout):
		return nil, errors.New("timed out waiting for authorization")
	}

	return conf.Exchange(ctx, code)
}

func callbackCode(r *http.Request, state string) (string, error) {
	q := r.URL.Query()
	if q.Get("state") != state {
		return "", errors.New("invalid state")
	}
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("auth error: %s", e)
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("missing code")
	}
	return code, nil
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
