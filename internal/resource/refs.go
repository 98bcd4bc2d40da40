package resource

import (
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// podSpecPaths locates the pod spec inside workload kinds.
var podSpecPaths = map[string][]string{
	"Pod":                   {"spec"},
	"Deployment":            {"spec", "template", "spec"},
	"StatefulSet":           {"spec", "template", "spec"},
	"DaemonSet":             {"spec", "template", "spec"},
	"ReplicaSet":            {"spec", "template", "spec"},
	"ReplicationController": {"spec", "template", "spec"},
	"Job":                   {"spec", "template", "spec"},
	"CronJob":               {"spec", "jobTemplate", "spec", "template", "spec"},
}

// ExtractReferences returns the identities a manifest declares a dependency
// on: its namespace, explicit depends-on annotations, config and secret
// objects mounted by pod templates, service accounts, claims, ingress
// backends and autoscaler targets. The result is sorted and de-duplicated.
// References to objects outside the desired set are filtered later.
func ExtractReferences(id Identity, obj map[string]interface{}) []Identity {
	seen := make(map[Identity]bool)
	var refs []Identity
	add := func(kind, ns, name string) {
		if name == "" {
			return
		}
		if IsClusterScoped(kind) {
			ns = ""
		}
		ref := Identity{Kind: kind, Namespace: ns, Name: name}
		if ref == id || seen[ref] {
			return
		}
		seen[ref] = true
		refs = append(refs, ref)
	}

	if id.Namespace != "" {
		add("Namespace", "", id.Namespace)
	}

	if dep := fieldString(obj, "metadata", "annotations", DependsOnAnnotation); dep != "" {
		for _, item := range strings.Split(dep, ",") {
			if strings.TrimSpace(item) == "" {
				continue
			}
			ref, err := ParseIdentity(item, id.Namespace)
			if err != nil {
				continue
			}
			add(ref.Kind, ref.Namespace, ref.Name)
		}
	}

	if path, ok := podSpecPaths[id.Kind]; ok {
		v, _, _ := unstructured.NestedFieldNoCopy(obj, path...)
		if pod, ok := v.(map[string]interface{}); ok {
			podReferences(pod, id.Namespace, add)
		}
	}

	switch id.Kind {
	case "Ingress":
		add("Service", id.Namespace, fieldString(obj, "spec", "defaultBackend", "service", "name"))
		for _, rule := range fieldSlice(obj, "spec", "rules") {
			r, _ := rule.(map[string]interface{})
			for _, p := range fieldSlice(r, "http", "paths") {
				pm, _ := p.(map[string]interface{})
				add("Service", id.Namespace, fieldString(pm, "backend", "service", "name"))
			}
		}
		for _, tls := range fieldSlice(obj, "spec", "tls") {
			tm, _ := tls.(map[string]interface{})
			add("Secret", id.Namespace, fieldString(tm, "secretName"))
		}
	case "HorizontalPodAutoscaler":
		add(fieldString(obj, "spec", "scaleTargetRef", "kind"), id.Namespace,
			fieldString(obj, "spec", "scaleTargetRef", "name"))
	case "RoleBinding":
		if ref := fieldString(obj, "roleRef", "kind"); ref == "Role" {
			add("Role", id.Namespace, fieldString(obj, "roleRef", "name"))
		}
	}

	SortIdentities(refs)
	return refs
}

func podReferences(pod map[string]interface{}, ns string, add func(kind, ns, name string)) {
	add("ServiceAccount", ns, fieldString(pod, "serviceAccountName"))
	for _, s := range fieldSlice(pod, "imagePullSecrets") {
		sm, _ := s.(map[string]interface{})
		add("Secret", ns, fieldString(sm, "name"))
	}
	for _, v := range fieldSlice(pod, "volumes") {
		vm, _ := v.(map[string]interface{})
		add("ConfigMap", ns, fieldString(vm, "configMap", "name"))
		add("Secret", ns, fieldString(vm, "secret", "secretName"))
		add("PersistentVolumeClaim", ns, fieldString(vm, "persistentVolumeClaim", "claimName"))
	}
	var containers []interface{}
	containers = append(containers, fieldSlice(pod, "initContainers")...)
	containers = append(containers, fieldSlice(pod, "containers")...)
	for _, c := range containers {
		cm, _ := c.(map[string]interface{})
		for _, ef := range fieldSlice(cm, "envFrom") {
			em, _ := ef.(map[string]interface{})
			add("ConfigMap", ns, fieldString(em, "configMapRef", "name"))
			add("Secret", ns, fieldString(em, "secretRef", "name"))
		}
		for _, e := range fieldSlice(cm, "env") {
			em, _ := e.(map[string]interface{})
			add("ConfigMap", ns, fieldString(em, "valueFrom", "configMapKeyRef", "name"))
			add("Secret", ns, fieldString(em, "valueFrom", "secretKeyRef", "name"))
		}
	}
}
