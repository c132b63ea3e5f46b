package kubernetes

import (
	"context"
	"os"
	"unicode/utf8"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"testbed/internal/property"
	"testbed/internal/resource"
)

// stager turns referenced files into ConfigMaps (resources) or Secrets
// (secrets) mounted file by file into the deployment.
type stager struct {
	service string
	labels  map[string]string

	objects []runtime.Object
	volumes []corev1.Volume
	mounts  []corev1.VolumeMount
}

func (s *stager) Stage(_ context.Context, key string, ref property.FileRef) (string, error) {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return "", err
	}
	name := resource.DNSName(s.service + "-" + key)
	file := ref.FileName()
	meta := metav1.ObjectMeta{Name: name, Labels: s.labels}

	var source corev1.VolumeSource
	if ref.Kind == property.RefSecret {
		s.objects = append(s.objects, &corev1.Secret{ObjectMeta: meta, Data: map[string][]byte{file: data}})
		source.Secret = &corev1.SecretVolumeSource{SecretName: name}
	} else {
		cm := &corev1.ConfigMap{ObjectMeta: meta}
		if utf8.Valid(data) {
			cm.Data = map[string]string{file: string(data)}
		} else {
			cm.BinaryData = map[string][]byte{file: data}
		}
		s.objects = append(s.objects, cm)
		source.ConfigMap = &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: name}}
	}

	target := ref.Target(resource.DefaultMountDir)
	s.volumes = append(s.volumes, corev1.Volume{Name: name, VolumeSource: source})
	s.mounts = append(s.mounts, corev1.VolumeMount{Name: name, MountPath: target, SubPath: file, ReadOnly: true})
	return target, nil
}
