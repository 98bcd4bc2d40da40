package cluster

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// DefaultKinds are listed for observed state when no kinds are configured.
var DefaultKinds = []string{
	"Namespace",
	"ServiceAccount",
	"Role",
	"RoleBinding",
	"ClusterRole",
	"ClusterRoleBinding",
	"ConfigMap",
	"Secret",
	"PersistentVolumeClaim",
	"Deployment",
	"StatefulSet",
	"DaemonSet",
	"Job",
	"CronJob",
	"HorizontalPodAutoscaler",
	"PodDisruptionBudget",
	"Service",
	"Ingress",
	"NetworkPolicy",
}

var knownKinds = map[string]schema.GroupVersionKind{
	"Namespace":               {Version: "v1", Kind: "Namespace"},
	"ServiceAccount":          {Version: "v1", Kind: "ServiceAccount"},
	"ConfigMap":               {Version: "v1", Kind: "ConfigMap"},
	"Secret":                  {Version: "v1", Kind: "Secret"},
	"Service":                 {Version: "v1", Kind: "Service"},
	"Pod":                     {Version: "v1", Kind: "Pod"},
	"PersistentVolume":        {Version: "v1", Kind: "PersistentVolume"},
	"PersistentVolumeClaim":   {Version: "v1", Kind: "PersistentVolumeClaim"},
	"ResourceQuota":           {Version: "v1", Kind: "ResourceQuota"},
	"LimitRange":              {Version: "v1", Kind: "LimitRange"},
	"Deployment":              {Group: "apps", Version: "v1", Kind: "Deployment"},
	"StatefulSet":             {Group: "apps", Version: "v1", Kind: "StatefulSet"},
	"DaemonSet":               {Group: "apps", Version: "v1", Kind: "DaemonSet"},
	"ReplicaSet":              {Group: "apps", Version: "v1", Kind: "ReplicaSet"},
	"Job":                     {Group: "batch", Version: "v1", Kind: "Job"},
	"CronJob":                 {Group: "batch", Version: "v1", Kind: "CronJob"},
	"HorizontalPodAutoscaler": {Group: "autoscaling", Version: "v2", Kind: "HorizontalPodAutoscaler"},
	"PodDisruptionBudget":     {Group: "policy", Version: "v1", Kind: "PodDisruptionBudget"},
	"Ingress":                 {Group: "networking.k8s.io", Version: "v1", Kind: "Ingress"},
	"IngressClass":            {Group: "networking.k8s.io", Version: "v1", Kind: "IngressClass"},
	"NetworkPolicy":           {Group: "networking.k8s.io", Version: "v1", Kind: "NetworkPolicy"},
	"Role":                    {Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "Role"},
	"RoleBinding":             {Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "RoleBinding"},
	"ClusterRole":             {Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "ClusterRole"},
	"ClusterRoleBinding":      {Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "ClusterRoleBinding"},
	"StorageClass":            {Group: "storage.k8s.io", Version: "v1", Kind: "StorageClass"},
	"PriorityClass":           {Group: "scheduling.k8s.io", Version: "v1", Kind: "PriorityClass"},
	"CustomResourceDefinition": {
		Group: "apiextensions.k8s.io", Version: "v1", Kind: "CustomResourceDefinition",
	},
}
