package k8sutils

import "sigs.k8s.io/controller-runtime/pkg/client"

// ManagerName is the field manager recorded on every write this process
// makes, so managedFields attribute changes to tagserve.
const ManagerName = "tagserve-manager"

func DefaultCreateOptions() *client.CreateOptions {
	return &client.CreateOptions{
		FieldManager: ManagerName,
	}
}

func DefaultUpdateOptions() *client.UpdateOptions {
	return &client.UpdateOptions{
		FieldManager: ManagerName,
	}
}

func DefaultPatchOptions() *client.PatchOptions {
	return &client.PatchOptions{
		FieldManager: ManagerName,
	}
}
