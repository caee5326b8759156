package convert

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
)

const defaultAzureAPIVersion = "2023-05-15"

// azurePaths maps the OpenAI endpoints Azure serves to their deployment path.
var azurePaths = map[api.Endpoint]string{
	api.EndpointCompletions:     "completions",
	api.EndpointChatCompletions: "chat/completions",
	api.EndpointEmbeddings:      "embeddings",
}

// azureResponses lists endpoints whose Azure replies already use the OpenAI schema.
var azureResponses = map[api.Endpoint]bool{
	api.EndpointCompletions:     true,
	api.EndpointChatCompletions: true,
	api.EndpointEmbeddings:      true,
}

func (r *Router) toAzure(req Request) Override {
	suffix, ok := azurePaths[req.Endpoint]
	if !ok {
		r.unsupported("OpenAI to Azure request", req.Endpoint)
		return Override{}
	}

	resource, deployments := r.azureTarget(req)
	key := azureKey(req.BackendKey)
	model := gjson.GetBytes(req.Body, "model").String()
	if key == "" || resource == "" || len(deployments) == 0 || model == "" {
		r.logger.Warn("Azure conversion requires an API key, resource, deployment map and model; failing open to original request",
			zap.Bool("has_key", key != ""),
			zap.Bool("has_resource", resource != ""),
			zap.Int("deployments", len(deployments)),
			zap.String("model", model))
		return Override{}
	}

	deployment := deployments[model]
	if deployment == "" {
		r.logger.Warn("no Azure deployment mapped for model; failing open to original request", zap.String("model", model))
		return Override{}
	}

	version := defaultAzureAPIVersion
	if req.Settings != nil && req.Settings.AzureAPIVersion != "" {
		version = req.Settings.AzureAPIVersion
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("api-key", key)

	r.logger.Debug("converting request to Azure format", zap.String("endpoint", req.Endpoint.String()), zap.String("deployment", deployment))
	return Override{
		URL: fmt.Sprintf("https://%s.openai.azure.com/openai/deployments/%s/%s?api-version=%s",
			resource, url.PathEscape(deployment), suffix, url.QueryEscape(version)),
		Header: h,
		Body:   req.Body,
	}
}

// azureTarget resolves the resource and deployment map. A custom-auth
// override wins over the request header, which wins over settings.
func (r *Router) azureTarget(req Request) (string, map[string]string) {
	var (
		resource    string
		deployments map[string]string
	)
	if req.Settings != nil {
		resource = req.Settings.AzureResourceName
		deployments = req.Settings.AzureDeploymentMap
	}
	if h := req.Header.Get(HeaderAzureResource); h != "" {
		resource = h
	}
	if req.Azure != nil {
		if req.Azure.Resource != "" {
			resource = req.Azure.Resource
		}
		if len(req.Azure.DeploymentMap) > 0 {
			deployments = req.Azure.DeploymentMap
		}
	}
	return resource, deployments
}

// azureKey strips the scheme from a "Bearer <key>" credential.
func azureKey(credential string) string {
	_, key, ok := strings.Cut(credential, " ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(key)
}
