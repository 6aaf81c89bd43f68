package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/urfave/cli"
)

// adminClient is a thin wrapper over paychand's admin HTTP API; it plays
// the role getClientConn/getClient play in lncli, minus the gRPC/macaroon
// machinery this daemon has no use for.
type adminClient struct {
	baseURL string
	http    *http.Client
}

func newAdminClient(ctx *cli.Context) (*adminClient, error) {
	transport := &http.Transport{}

	if ctx.GlobalBool("insecure") {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	} else {
		certPath := ctx.GlobalString("tlscertpath")
		pem, err := ioutil.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("reading TLS certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse TLS certificate at %s", certPath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &adminClient{
		baseURL: "https://" + ctx.GlobalString("rpcserver"),
		http:    &http.Client{Transport: transport},
	}, nil
}

func (c *adminClient) post(path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpResp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	raw, err := ioutil.ReadAll(httpResp.Body)
	if err != nil {
		return err
	}

	if httpResp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("paychand: %s", apiErr.Error)
		}
		return fmt.Errorf("paychand: unexpected status %d: %s", httpResp.StatusCode, raw)
	}

	if resp == nil {
		return nil
	}
	return json.Unmarshal(raw, resp)
}
