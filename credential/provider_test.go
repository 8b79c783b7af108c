package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(key, val)
}

func TestNewStaticProviderFromEnvRequiresKeys(t *testing.T) {
	setEnv(t, EnvAccessKey, "")
	setEnv(t, EnvSecretKey, "")
	setEnv(t, EnvDefaultRegion, "us-east-1")
	_, err := NewStaticProviderFromEnv()
	assert.Error(t, err)
}

func TestNewStaticProviderFromEnvRequiresRegion(t *testing.T) {
	setEnv(t, EnvAccessKey, "AKIA")
	setEnv(t, EnvSecretKey, "secret")
	setEnv(t, EnvDefaultRegion, "")
	_, err := NewStaticProviderFromEnv()
	assert.Error(t, err)
}

func TestNewStaticProviderFromEnvSuccess(t *testing.T) {
	setEnv(t, EnvAccessKey, "AKIA")
	setEnv(t, EnvSecretKey, "secret")
	setEnv(t, EnvSessionToken, "tok")
	setEnv(t, EnvDefaultRegion, "us-west-2")
	setEnv(t, EnvCABundlePath, "/etc/ssl/cert.pem")

	p, err := NewStaticProviderFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", p.Region())
	assert.Equal(t, "/etc/ssl/cert.pem", p.CABundlePath())

	creds, err := p.Get()
	require.NoError(t, err)
	assert.Equal(t, "AKIA", creds.AccessKey)
	assert.Equal(t, "tok", creds.SessionToken)
}

func TestRotateReplacesCredentialsAtomically(t *testing.T) {
	setEnv(t, EnvAccessKey, "AKIA")
	setEnv(t, EnvSecretKey, "secret")
	setEnv(t, EnvDefaultRegion, "us-west-2")
	p, err := NewStaticProviderFromEnv()
	require.NoError(t, err)

	p.Rotate(&Credentials{AccessKey: "AKIA2", SecretKey: "secret2"})
	creds, err := p.Get()
	require.NoError(t, err)
	assert.Equal(t, "AKIA2", creds.AccessKey)
}

func TestCredentialsExpired(t *testing.T) {
	c := &Credentials{Expiry: time.Now().Add(-time.Minute)}
	assert.True(t, c.Expired(time.Now()))

	c2 := &Credentials{}
	assert.False(t, c2.Expired(time.Now()))
}
