package auth

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAddress is the gin context key holding the verified caller.
	ContextKeyAddress = "authAddress"

	// DefaultWindow is how far a request timestamp may drift from server time.
	DefaultWindow = 5 * time.Minute

	replayCacheSize = 100_000
)

// Verifier checks request signatures and rejects replays.
type Verifier struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen *lru.Cache[string, int64]
}

// NewVerifier creates a verifier accepting timestamps within window of now.
func NewVerifier(window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Verifier{
		window: window,
		now:    time.Now,
		seen:   lru.NewCache[string, int64](replayCacheSize),
	}
}

// Verify authenticates one request and returns the signer. The body is
// read and restored so handlers can bind it.
func (v *Verifier) Verify(r *http.Request) (common.Address, error) {
	addrHeader := r.Header.Get(HeaderAddress)
	tsHeader := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	sig := r.Header.Get(HeaderSignature)
	if addrHeader == "" || tsHeader == "" || nonce == "" || sig == "" {
		return common.Address{}, ErrMissingHeaders
	}
	if len(nonce) > maxNonceLength {
		return common.Address{}, ErrInvalidSignature
	}
	if !common.IsHexAddress(addrHeader) {
		return common.Address{}, ErrInvalidSignature
	}
	claimed := common.HexToAddress(addrHeader)

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrStaleTimestamp
	}
	drift := v.now().Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.window {
		return common.Address{}, ErrStaleTimestamp
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return common.Address{}, err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	msg := CanonicalMessage(r.Method, r.URL.RequestURI(), body, ts, nonce)
	signer, err := RecoverAddress(msg, sig)
	if err != nil {
		return common.Address{}, err
	}
	if signer != claimed {
		return common.Address{}, ErrInvalidSignature
	}

	// replay key is the signed content, not the signature bytes
	key := signer.Hex() + crypto.Keccak256Hash([]byte(msg)).Hex()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen.Contains(key) {
		return common.Address{}, ErrReplay
	}
	v.seen.Add(key, ts)
	return signer, nil
}

// RequireSignature rejects requests without a valid, fresh signature and
// stores the signer under ContextKeyAddress.
func (v *Verifier) RequireSignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, err := v.Verify(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}
		c.Set(ContextKeyAddress, addr)
		c.Next()
	}
}

// Caller returns the verified caller, or the zero address when the request
// was not signed.
func Caller(c *gin.Context) common.Address {
	v, ok := c.Get(ContextKeyAddress)
	if !ok {
		return common.Address{}
	}
	addr, _ := v.(common.Address)
	return addr
}

// RequireAdmin guards operator endpoints with a shared secret sent in
// X-Admin-Secret. An empty secret disables the endpoints.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "admin secret required",
			})
			return
		}
		c.Next()
	}
}
