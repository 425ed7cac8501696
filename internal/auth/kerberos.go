package auth

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/user"
	"strings"
	"sync"

	"github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/lichangche/cntlm/internal/logger"
)

// NegotiateProvider produces SPNEGO tokens for Proxy-Authorization:
// Negotiate from a cached Kerberos credential. Token acquisition is
// serialized; the gokrb5 client is not reentrant for our use.
type NegotiateProvider struct {
	mu sync.Mutex
	cl *client.Client
}

// NewNegotiateProvider loads the default credential cache (KRB5CCNAME or
// /tmp/krb5cc_<uid>) and krb5 configuration. Returns an error when no
// usable cached credential exists.
func NewNegotiateProvider() (*NegotiateProvider, error) {
	ccpath := os.Getenv("KRB5CCNAME")
	ccpath = strings.TrimPrefix(ccpath, "FILE:")
	if ccpath == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("resolving current user: %w", err)
		}
		ccpath = "/tmp/krb5cc_" + u.Uid
	}

	ccache, err := credentials.LoadCCache(ccpath)
	if err != nil {
		return nil, fmt.Errorf("loading credential cache %s: %w", ccpath, err)
	}

	confPath := os.Getenv("KRB5_CONFIG")
	if confPath == "" {
		confPath = "/etc/krb5.conf"
	}
	cfg, err := krb5config.Load(confPath)
	if err != nil {
		return nil, fmt.Errorf("loading krb5 config %s: %w", confPath, err)
	}

	cl, err := client.NewFromCCache(ccache, cfg, client.DisablePAFXFAST(true))
	if err != nil {
		return nil, fmt.Errorf("initializing kerberos client: %w", err)
	}

	logger.Info("Kerberos credential cache loaded", "ccache", ccpath)
	return &NegotiateProvider{cl: cl}, nil
}

// Token returns a base64 SPNEGO initiation token for the HTTP service on
// the given proxy host, suitable for "Proxy-Authorization: Negotiate".
func (p *NegotiateProvider) Token(proxyHost string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := spnego.SPNEGOClient(p.cl, "HTTP/"+proxyHost)
	if err := s.AcquireCred(); err != nil {
		return "", fmt.Errorf("acquiring kerberos credential: %w", err)
	}
	st, err := s.InitSecContext()
	if err != nil {
		return "", fmt.Errorf("initializing security context: %w", err)
	}
	nb, err := st.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshalling spnego token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nb), nil
}
