// Package health reports whether the widget runtime and its collaborators are
// working.
//
// A Status carries one of three states. Healthy means normal operation.
// Degraded means the runtime still serves requests but something needs
// attention, for example instances stuck in the error status or persistence
// writes being dropped. Unhealthy means a collaborator the runtime depends on
// is unavailable.
//
// A Monitor combines statuses pushed with Update and checks registered with
// Register. Check runs every registered check and aggregates the results:
//
//	mon := health.NewMonitor(metrics)
//	mon.Register("store", func(ctx context.Context) health.Status {
//		if writer.Stats().Dropped > 0 {
//			return health.NewDegraded("store", "persistence writes dropped")
//		}
//		return health.NewHealthy("store", "ok")
//	})
//	status := mon.Check(ctx, "tripscope")
//
// Aggregation is worst-wins: any unhealthy sub-status makes the aggregate
// unhealthy, otherwise any degraded one makes it degraded.
//
// Messages built from errors go through FromError, which strips URLs, paths,
// addresses and credentials before they reach a health endpoint.
package health
