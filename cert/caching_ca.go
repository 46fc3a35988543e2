package cert

import (
	"crypto/tls"
	"crypto/x509"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

// CachingCA wraps a CA with an LRU cache of generated leaf certificates,
// coalescing concurrent requests for the same common name through a
// singleflight group so a burst of requests for one host only generates one
// certificate. groupcache's lru.Cache is not safe for concurrent use on its
// own (unlike the singleflight.Group, which is), so every access is guarded
// by mu: multiple downstream connections MITM-ing distinct hosts at once is
// the normal case here, not an edge case.
type CachingCA struct {
	inner CA
	group singleflight.Group

	mu    sync.Mutex
	cache *lru.Cache
}

// NewCachingCA wraps inner with an LRU of at most size entries.
func NewCachingCA(inner CA, size int) *CachingCA {
	return &CachingCA{
		inner: inner,
		cache: lru.New(size),
	}
}

// GetRootCA delegates to the wrapped CA.
func (c *CachingCA) GetRootCA() *x509.Certificate {
	return c.inner.GetRootCA()
}

func (c *CachingCA) cacheGet(commonName string) (*tls.Certificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cert, ok := c.cache.Get(commonName)
	if !ok {
		return nil, false
	}
	return cert.(*tls.Certificate), true
}

func (c *CachingCA) cacheAdd(commonName string, cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(commonName, cert)
}

// GetCert returns a cached leaf certificate for commonName, generating one
// via the wrapped CA on a cache miss.
func (c *CachingCA) GetCert(commonName string) (*tls.Certificate, error) {
	if cert, ok := c.cacheGet(commonName); ok {
		return cert, nil
	}

	result, err := c.group.Do(commonName, func() (interface{}, error) {
		if cert, ok := c.cacheGet(commonName); ok {
			return cert, nil
		}
		cert, err := c.inner.GetCert(commonName)
		if err != nil {
			return nil, err
		}
		c.cacheAdd(commonName, cert)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*tls.Certificate), nil
}
