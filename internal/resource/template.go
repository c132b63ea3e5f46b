package resource

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Placeholders recognized in deployment templates.
const (
	PlaceholderImage        = "${IMAGE}"
	PlaceholderServiceName  = "${SERVICE_NAME}"
	PlaceholderInternalPort = "${INTERNAL_PORT}"
	PlaceholderArgs         = "${ARGS}"
)

// DefaultTemplate is used by cluster backends when a service has none. The
// deployment is created with zero replicas and scaled up on start.
const DefaultTemplate = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: ${SERVICE_NAME}
  labels:
    app: ${SERVICE_NAME}
spec:
  replicas: 0
  selector:
    matchLabels:
      app: ${SERVICE_NAME}
  template:
    metadata:
      labels:
        app: ${SERVICE_NAME}
    spec:
      containers:
        - name: ${SERVICE_NAME}
          image: ${IMAGE}
          args: ${ARGS}
          ports:
            - containerPort: ${INTERNAL_PORT}
---
apiVersion: v1
kind: Service
metadata:
  name: ${SERVICE_NAME}
  labels:
    app: ${SERVICE_NAME}
spec:
  selector:
    app: ${SERVICE_NAME}
  ports:
    - name: http
      port: ${INTERNAL_PORT}
      targetPort: ${INTERNAL_PORT}
`

// TemplateValues are substituted into a template.
type TemplateValues struct {
	Image       string
	ServiceName string
	Port        int
	Args        []string
}

// Render substitutes the placeholders literally. Args become a flow
// sequence of quoted strings, which is valid YAML and JSON.
func Render(tmpl string, v TemplateValues) string {
	quoted := make([]string, len(v.Args))
	for i, a := range v.Args {
		quoted[i] = strconv.Quote(a)
	}
	return strings.NewReplacer(
		PlaceholderImage, v.Image,
		PlaceholderServiceName, v.ServiceName,
		PlaceholderInternalPort, strconv.Itoa(v.Port),
		PlaceholderArgs, "["+strings.Join(quoted, ", ")+"]",
	).Replace(tmpl)
}

// LoadTemplate reads the template at path, or returns DefaultTemplate for
// an empty path.
func LoadTemplate(path string) (string, error) {
	if path == "" {
		return DefaultTemplate, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read deployment template %s: %w", path, err)
	}
	return string(data), nil
}
