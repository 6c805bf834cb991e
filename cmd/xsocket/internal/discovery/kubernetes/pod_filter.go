package kubernetes

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/filter"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

const podIPIndex = "podIP"

// PodFilter admits only peers whose address belongs to a running Pod that
// matches a label selector. Pods are read from a shared informer cache, so
// Allow never calls the API server.
type PodFilter struct {
	namespace string
	selector  labels.Selector
	factory   informers.SharedInformerFactory
	informer  cache.SharedIndexInformer

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewPodFilter watches Pods in namespace matching selector, for example
// "app=chat-gateway". An empty selector matches every Pod.
func NewPodFilter(clientset kubernetes.Interface, namespace, selector string) (*PodFilter, error) {
	sel, err := labels.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid pod selector %q: %w", selector, err)
	}

	factory := informers.NewSharedInformerFactoryWithOptions(clientset, 10*time.Minute,
		informers.WithNamespace(namespace),
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.LabelSelector = sel.String()
		}))
	informer := factory.Core().V1().Pods().Informer()
	if err := informer.AddIndexers(cache.Indexers{podIPIndex: indexByPodIP}); err != nil {
		return nil, fmt.Errorf("failed to add pod IP index: %w", err)
	}

	return &PodFilter{
		namespace: namespace,
		selector:  sel,
		factory:   factory,
		informer:  informer,
	}, nil
}

func indexByPodIP(obj any) ([]string, error) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return nil, nil
	}
	ips := make([]string, 0, len(pod.Status.PodIPs)+1)
	if pod.Status.PodIP != "" {
		ips = append(ips, pod.Status.PodIP)
	}
	for _, ip := range pod.Status.PodIPs {
		if ip.IP != "" && ip.IP != pod.Status.PodIP {
			ips = append(ips, ip.IP)
		}
	}
	return ips, nil
}

// Start runs the informer and blocks until its cache is synced.
func (f *PodFilter) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.factory.Start(runCtx.Done())

	if !cache.WaitForCacheSync(ctx.Done(), f.informer.HasSynced) {
		return fmt.Errorf("timed out waiting for pod cache in namespace %s", f.namespace)
	}
	logger.Info("Pod filter synced", "namespace", f.namespace, "selector", f.selector.String(), "pods", len(f.informer.GetStore().ListKeys()))
	return nil
}

// Stop shuts the informer down.
func (f *PodFilter) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		f.factory.Shutdown()
	}
}

func (f *PodFilter) Name() string { return "kubernetes-pods" }

func (f *PodFilter) Allow(_ context.Context, addr net.Addr) (bool, error) {
	ip, err := filter.PeerIP(addr)
	if err != nil {
		return false, err
	}
	if !f.informer.HasSynced() {
		return false, fmt.Errorf("pod cache for namespace %s is not synced", f.namespace)
	}

	objs, err := f.informer.GetIndexer().ByIndex(podIPIndex, ip.String())
	if err != nil {
		return false, err
	}
	for _, obj := range objs {
		pod, ok := obj.(*corev1.Pod)
		if !ok {
			continue
		}
		if pod.DeletionTimestamp != nil || pod.Status.Phase != corev1.PodRunning {
			continue
		}
		if !f.selector.Matches(labels.Set(pod.Labels)) {
			continue
		}
		return true, nil
	}
	return false, nil
}
