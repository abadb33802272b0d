package grpcserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ClientOptions configures a connection to a remote Aligner.
type ClientOptions struct {
	Insecure bool
	CACert   string
	CertFile string
	KeyFile  string
}

// Dial opens a client connection to the Aligner at addr.
func Dial(addr string, opts ClientOptions) (*grpc.ClientConn, error) {
	var dialOpts []grpc.DialOption

	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig, err := opts.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}

	dialOpts = append(dialOpts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)

	return grpc.NewClient(addr, dialOpts...)
}

func (o ClientOptions) tlsConfig() (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}

	if o.CACert != "" {
		caCert, err := os.ReadFile(o.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert %s", o.CACert)
		}
		tc.RootCAs = pool
	}

	if o.CertFile != "" && o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	return tc, nil
}

// RemoteSolve sends anchorsText to the Aligner at addr and returns the
// parameter file text it produced.
func RemoteSolve(ctx context.Context, addr string, opts ClientOptions, anchorsText string, reference int, display bool) (string, error) {
	conn, err := Dial(addr, opts)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	out, err := Solve(ctx, conn, anchorsText, reference, display)
	if err != nil {
		return "", err
	}
	return out.GetFields()["params"].GetStringValue(), nil
}
