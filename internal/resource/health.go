package resource

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// AssessHealth derives a health status from a live object's status block.
// Kinds without a known status contract are Healthy once they exist.
func AssessHealth(obj map[string]interface{}) (HealthStatus, string) {
	kind, _ := obj["kind"].(string)
	var (
		status HealthStatus
		msg    string
		err    error
	)
	switch kind {
	case "Deployment":
		var d appsv1.Deployment
		if err = fromUnstructured(obj, &d); err == nil {
			status, msg = deploymentHealth(&d)
		}
	case "StatefulSet":
		var s appsv1.StatefulSet
		if err = fromUnstructured(obj, &s); err == nil {
			status, msg = statefulSetHealth(&s)
		}
	case "DaemonSet":
		var d appsv1.DaemonSet
		if err = fromUnstructured(obj, &d); err == nil {
			status, msg = daemonSetHealth(&d)
		}
	case "Pod":
		var p corev1.Pod
		if err = fromUnstructured(obj, &p); err == nil {
			status, msg = podHealth(&p)
		}
	case "PersistentVolumeClaim":
		var pvc corev1.PersistentVolumeClaim
		if err = fromUnstructured(obj, &pvc); err == nil {
			status, msg = pvcHealth(&pvc)
		}
	case "Service":
		var svc corev1.Service
		if err = fromUnstructured(obj, &svc); err == nil {
			status, msg = serviceHealth(&svc)
		}
	default:
		return HealthHealthy, ""
	}
	if err != nil {
		return HealthUnknown, err.Error()
	}
	return status, msg
}

func fromUnstructured(obj map[string]interface{}, into interface{}) error {
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj, into); err != nil {
		return fmt.Errorf("converting %T: %w", into, err)
	}
	return nil
}

func deploymentHealth(d *appsv1.Deployment) (HealthStatus, string) {
	if d.Spec.Paused {
		return HealthProgressing, "deployment is paused"
	}
	for _, c := range d.Status.Conditions {
		if c.Type == appsv1.DeploymentProgressing && c.Reason == "ProgressDeadlineExceeded" {
			return HealthDegraded, fmt.Sprintf("deployment %q exceeded its progress deadline", d.Name)
		}
	}
	if d.Generation > d.Status.ObservedGeneration {
		return HealthProgressing, "waiting for rollout to be observed"
	}
	replicas := int32(1)
	if d.Spec.Replicas != nil {
		replicas = *d.Spec.Replicas
	}
	if d.Status.UpdatedReplicas < replicas {
		return HealthProgressing, fmt.Sprintf("%d of %d updated replicas are available", d.Status.UpdatedReplicas, replicas)
	}
	if d.Status.Replicas > d.Status.UpdatedReplicas {
		return HealthProgressing, fmt.Sprintf("%d old replicas are pending termination", d.Status.Replicas-d.Status.UpdatedReplicas)
	}
	if d.Status.AvailableReplicas < d.Status.UpdatedReplicas {
		return HealthProgressing, fmt.Sprintf("%d of %d updated replicas are available", d.Status.AvailableReplicas, d.Status.UpdatedReplicas)
	}
	return HealthHealthy, ""
}

func statefulSetHealth(s *appsv1.StatefulSet) (HealthStatus, string) {
	if s.Generation > s.Status.ObservedGeneration {
		return HealthProgressing, "waiting for statefulset spec update to be observed"
	}
	replicas := int32(1)
	if s.Spec.Replicas != nil {
		replicas = *s.Spec.Replicas
	}
	if s.Status.ReadyReplicas < replicas {
		return HealthProgressing, fmt.Sprintf("%d of %d pods are ready", s.Status.ReadyReplicas, replicas)
	}
	return HealthHealthy, ""
}

func daemonSetHealth(d *appsv1.DaemonSet) (HealthStatus, string) {
	if d.Generation > d.Status.ObservedGeneration {
		return HealthProgressing, "waiting for daemon set spec update to be observed"
	}
	if d.Status.NumberReady < d.Status.DesiredNumberScheduled {
		return HealthProgressing, fmt.Sprintf("%d of %d pods are ready", d.Status.NumberReady, d.Status.DesiredNumberScheduled)
	}
	return HealthHealthy, ""
}

func podHealth(p *corev1.Pod) (HealthStatus, string) {
	for _, cs := range p.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil {
			switch w.Reason {
			case "CrashLoopBackOff", "ImagePullBackOff", "ErrImagePull", "CreateContainerConfigError", "InvalidImageName":
				return HealthDegraded, w.Message
			}
		}
	}
	switch p.Status.Phase {
	case corev1.PodSucceeded:
		return HealthHealthy, p.Status.Message
	case corev1.PodFailed:
		return HealthDegraded, p.Status.Message
	case corev1.PodPending:
		return HealthProgressing, p.Status.Message
	case corev1.PodRunning:
		for _, c := range p.Status.Conditions {
			if c.Type == corev1.PodReady && c.Status == corev1.ConditionTrue {
				return HealthHealthy, ""
			}
		}
		return HealthProgressing, "pod is running but not ready"
	}
	return HealthUnknown, p.Status.Message
}

func pvcHealth(pvc *corev1.PersistentVolumeClaim) (HealthStatus, string) {
	switch pvc.Status.Phase {
	case corev1.ClaimLost:
		return HealthDegraded, "claim lost its volume"
	case corev1.ClaimPending:
		return HealthProgressing, "claim is pending"
	case corev1.ClaimBound:
		return HealthHealthy, ""
	}
	return HealthUnknown, ""
}

func serviceHealth(svc *corev1.Service) (HealthStatus, string) {
	if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
		return HealthHealthy, ""
	}
	if len(svc.Status.LoadBalancer.Ingress) > 0 {
		return HealthHealthy, ""
	}
	return HealthProgressing, "waiting for load balancer address"
}
