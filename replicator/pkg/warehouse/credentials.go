package warehouse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/tidwall/gjson"
)

// DefaultPort is the Redshift listener port.
const DefaultPort = 5439

// Credentials are the parameters needed to open a warehouse connection.
type Credentials struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

func (c Credentials) Validate() error {
	if c.Host == "" {
		return errors.New("warehouse host is required")
	}
	if c.Database == "" {
		return errors.New("warehouse database is required")
	}
	if c.User == "" {
		return errors.New("warehouse user is required")
	}
	return nil
}

// ConnString renders the credentials as a postgres:// URL.
func (c Credentials) ConnString() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:   "/" + c.Database,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// CredentialsProvider resolves credentials at load time.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials always returns the same credentials.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(ctx context.Context) (Credentials, error) {
	c := Credentials(s)
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerCredentials reads a JSON secret in the layout AWS uses for
// database secrets: username, password, host, port and dbname.
type SecretsManagerCredentials struct {
	Client   SecretsManagerAPI
	SecretID string
	// Database overrides the secret's dbname when set.
	Database string
	SSLMode  string
}

func (s *SecretsManagerCredentials) Credentials(ctx context.Context) (Credentials, error) {
	out, err := s.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(s.SecretID)})
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to get secret %s: %w", s.SecretID, err)
	}
	secret := aws.ToString(out.SecretString)
	if !gjson.Valid(secret) {
		return Credentials{}, fmt.Errorf("secret %s is not valid JSON", s.SecretID)
	}

	fields := gjson.GetMany(secret, "host", "port", "dbname", "username", "password")
	c := Credentials{
		Host:     fields[0].String(),
		Port:     int(fields[1].Int()),
		Database: fields[2].String(),
		User:     fields[3].String(),
		Password: fields[4].String(),
		SSLMode:  s.SSLMode,
	}
	if s.Database != "" {
		c.Database = s.Database
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, fmt.Errorf("secret %s: %w", s.SecretID, err)
	}
	return c, nil
}
