package resource

import "testing"

func TestAssessHealth(t *testing.T) {
	tests := []struct {
		name string
		obj  map[string]interface{}
		want HealthStatus
	}{
		{
			name: "configmap exists",
			obj:  map[string]interface{}{"kind": "ConfigMap"},
			want: HealthHealthy,
		},
		{
			name: "deployment rolling out",
			obj: map[string]interface{}{
				"apiVersion": "apps/v1",
				"kind":       "Deployment",
				"spec":       map[string]interface{}{"replicas": int64(3)},
				"status":     map[string]interface{}{"updatedReplicas": int64(1), "replicas": int64(3)},
			},
			want: HealthProgressing,
		},
		{
			name: "deployment past deadline",
			obj: map[string]interface{}{
				"apiVersion": "apps/v1",
				"kind":       "Deployment",
				"status": map[string]interface{}{
					"conditions": []interface{}{
						map[string]interface{}{"type": "Progressing", "status": "False", "reason": "ProgressDeadlineExceeded"},
					},
				},
			},
			want: HealthDegraded,
		},
		{
			name: "pod crash looping",
			obj: map[string]interface{}{
				"apiVersion": "v1",
				"kind":       "Pod",
				"status": map[string]interface{}{
					"phase": "Running",
					"containerStatuses": []interface{}{
						map[string]interface{}{"name": "app", "state": map[string]interface{}{"waiting": map[string]interface{}{"reason": "CrashLoopBackOff"}}},
					},
				},
			},
			want: HealthDegraded,
		},
		{
			name: "pvc bound",
			obj:  map[string]interface{}{"apiVersion": "v1", "kind": "PersistentVolumeClaim", "status": map[string]interface{}{"phase": "Bound"}},
			want: HealthHealthy,
		},
		{
			name: "load balancer pending",
			obj:  map[string]interface{}{"apiVersion": "v1", "kind": "Service", "spec": map[string]interface{}{"type": "LoadBalancer"}},
			want: HealthProgressing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, msg := AssessHealth(tt.obj)
			if got != tt.want {
				t.Errorf("AssessHealth() = %s (%s), want %s", got, msg, tt.want)
			}
		})
	}
}
