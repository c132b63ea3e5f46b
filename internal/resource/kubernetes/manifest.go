package kubernetes

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/scheme"

	"testbed/internal/resource"
)

// Decode decodes every document of a manifest into a typed object.
func Decode(manifest string) ([]runtime.Object, error) {
	docs, err := resource.SplitManifest(manifest)
	if err != nil {
		return nil, err
	}

	decoder := scheme.Codecs.UniversalDeserializer()
	objs := make([]runtime.Object, 0, len(docs))
	for i, doc := range docs {
		obj, _, err := decoder.Decode(doc, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("decode manifest document %d: %w", i, err)
		}
		objs = append(objs, obj)
	}
	return objs, nil
}
