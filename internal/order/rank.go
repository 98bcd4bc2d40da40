package order

// kindRanks groups kinds into apply tiers. Kinds sharing a tier are
// ordered by name.
var kindRanks = map[string]int{}

// unknownRank places custom resources after every built-in kind.
const unknownRank = 100

func init() {
	tiers := [][]string{
		{"Namespace"},
		{"CustomResourceDefinition", "StorageClass", "PriorityClass", "ResourceQuota", "LimitRange", "NetworkPolicy"},
		{"ServiceAccount", "ClusterRole", "Role", "ClusterRoleBinding", "RoleBinding"},
		{"ConfigMap", "Secret", "PersistentVolume", "PersistentVolumeClaim"},
		{"Pod", "ReplicationController", "ReplicaSet", "Deployment", "StatefulSet", "DaemonSet", "Job", "CronJob"},
		{"HorizontalPodAutoscaler", "PodDisruptionBudget"},
		{"Service"},
		{"IngressClass", "Ingress"},
		{"APIService", "ValidatingWebhookConfiguration", "MutatingWebhookConfiguration"},
	}
	for i, kinds := range tiers {
		for _, k := range kinds {
			kindRanks[k] = i
		}
	}
}

// KindRank returns the apply tier of kind. Lower tiers are applied first.
func KindRank(kind string) int {
	if r, ok := kindRanks[kind]; ok {
		return r
	}
	return unknownRank
}
