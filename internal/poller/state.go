package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/tagserve/tagserve/internal/k8sutils"
)

const stateKey = "lastCycle"

// State checkpoints the most recent cycle summary in a ConfigMap so a
// restarted process can report when convergence last ran.
type State struct {
	client client.Client
	ref    types.NamespacedName
}

func NewState(c client.Client, ref types.NamespacedName) *State {
	return &State{client: c, ref: ref}
}

func (s *State) Load(ctx context.Context) (Summary, error) {
	cm := &corev1.ConfigMap{}
	if err := s.client.Get(ctx, s.ref, cm); err != nil {
		return Summary{}, fmt.Errorf("get ConfigMap %q: %w", s.ref, err)
	}
	jsonState, ok := cm.Data[stateKey]
	if !ok {
		log.Printf("Poller state ConfigMap %q has no key %q, state not loaded", s.ref, stateKey)
		return Summary{}, nil
	}
	sum := Summary{}
	if err := json.Unmarshal([]byte(jsonState), &sum); err != nil {
		return Summary{}, fmt.Errorf("unmarshalling state: %w", err)
	}
	return sum, nil
}

func (s *State) Save(ctx context.Context, summary Summary) error {
	jsonState, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	patch := fmt.Sprintf(`{"data":{%q:%q}}`, stateKey, string(jsonState))
	if err := s.client.Patch(ctx, &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: s.ref.Namespace,
			Name:      s.ref.Name,
		},
	}, client.RawPatch(types.StrategicMergePatchType, []byte(patch)), k8sutils.DefaultPatchOptions()); err != nil {
		return fmt.Errorf("patching ConfigMap %q: %w", s.ref, err)
	}
	return nil
}
