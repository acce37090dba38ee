package provider

import (
	"fmt"
	"os"
	"strings"
)

// newDatabricksProvider binds a Databricks model serving endpoint. Databricks exposes an
// OpenAI-compatible API under <host>/serving-endpoints.
func newDatabricksProvider(model string, o *options) (*OpenAIProvider, error) {
	host := o.baseURL
	if host == "" {
		host = os.Getenv("DATABRICKS_HOST")
	}
	if o.apiKey == "" {
		o.apiKey = os.Getenv("DATABRICKS_TOKEN")
	}
	if host == "" {
		return nil, fmt.Errorf("databricks provider requires DATABRICKS_HOST")
	}
	if o.apiKey == "" {
		return nil, fmt.Errorf("databricks provider requires DATABRICKS_TOKEN")
	}

	host = strings.TrimRight(host, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	if !strings.HasSuffix(host, "/serving-endpoints") {
		host += "/serving-endpoints"
	}

	resolved := *o
	resolved.baseURL = host + "/"
	return newOpenAIProvider("databricks", model, &resolved), nil
}
