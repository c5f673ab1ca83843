package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"sigs.k8s.io/yaml"

	"github.com/leptonai/gpuprof/pkg/config"
	"github.com/leptonai/gpuprof/pkg/control"
	"github.com/leptonai/gpuprof/pkg/errdefs"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

const (
	urlPathHealthz      = "/healthz"
	urlPathMetrics      = "/metrics"
	urlPathDescriptions = "/descriptions"
	urlPathControls     = "/controls"
	urlPathConfig       = "/config"
)

// writeData renders v as YAML when the request's Content-Type asks for it,
// otherwise as JSON, indented when the json-indent header is "true".
func writeData(c *gin.Context, code int, v any) {
	if c.GetHeader("Content-Type") == "application/yaml" {
		yb, err := yaml.Marshal(v)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "failed to marshal " + err.Error()})
			return
		}
		c.String(code, string(yb))
		return
	}
	if c.GetHeader("json-indent") == "true" {
		c.IndentedJSON(code, v)
		return
	}
	c.JSON(code, v)
}

type Healthz struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Session string `json:"session,omitempty"`
}

func createHealthzHandler(sessionID string) func(c *gin.Context) {
	h := Healthz{Status: "ok", Version: "v1", Session: sessionID}
	return func(c *gin.Context) {
		writeData(c, http.StatusOK, h)
	}
}

func createDescriptionsHandler(pub metrics.Publisher) func(c *gin.Context) {
	return func(c *gin.Context) {
		descs, err := pub.GetDescriptions()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "failed to get descriptions " + err.Error()})
			return
		}
		if descs == nil {
			descs = []metrics.Description{}
		}
		writeData(c, http.StatusOK, descs)
	}
}

func createControlsHandler(ctrls Controls) func(c *gin.Context) {
	return func(c *gin.Context) {
		writeData(c, http.StatusOK, ctrls.Values())
	}
}

func createSetControlHandler(ctrls Controls) func(c *gin.Context) {
	return func(c *gin.Context) {
		var kv control.KeyValue
		if err := c.ShouldBindJSON(&kv); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "failed to parse request " + err.Error()})
			return
		}

		if err := ctrls.Set(kv.Key, kv.Value); err != nil {
			code := http.StatusInternalServerError
			switch {
			case errdefs.IsNotFound(err):
				code = http.StatusNotFound
			case errdefs.IsInvalidArgument(err):
				code = http.StatusBadRequest
			}
			c.JSON(code, gin.H{"code": code, "message": err.Error()})
			return
		}
		writeData(c, http.StatusOK, ctrls.Values())
	}
}

func createConfigHandler(cfg *config.Config) func(c *gin.Context) {
	return func(c *gin.Context) {
		writeData(c, http.StatusOK, cfg)
	}
}
