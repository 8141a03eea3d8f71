// Package manager provides lifecycle, admission and generation coordination
// for fine-tuned models. It is structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, simple getters.
//   - config.go: ManagerConfig and package defaults.
//   - types.go: internal state types (State, ModelInfo, Instance, Snapshot).
//   - errors.go: error types and helpers (IsTooBusy, IsModelNotFound, ...).
//   - adapter_iface.go: InferenceAdapter/InferSession runtime abstraction.
//   - adapter_local.go: in-process runtime over the native transformer.
//   - admission.go: per-instance queueing and generation admission.
//   - ensure.go: EnsureInstance lifecycle and loading.
//   - evict.go: eviction logic to fit within the memory budget.
//   - unload.go: graceful drain and removal of an instance.
//   - generate.go: generation entry point and NDJSON streaming.
//   - status.go: Status/Snapshot reporting helpers.
//   - sanity.go: startup checks that adapters can find their base model.
//
// External packages should treat this package as the orchestration layer and
// use public methods only (NewWithConfig, Ready, ListModels, Status, Generate).
package manager
