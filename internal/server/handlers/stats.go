package handlers

import (
	"net/http"

	"buildplane/pkg/api"
)

// GetQueueStats handles GET /queue/stats.
func (h *Handlers) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats := h.master.GetQueueStats()

	resp := api.QueueStatsResponse{
		WaitingCount:   stats.WaitingCount,
		BlockedCount:   stats.BlockedCount,
		BuildableCount: stats.BuildableCount,
		PendingCount:   stats.PendingCount,
		RunningCount:   stats.RunningCount,
		TotalQueued:    stats.TotalQueued,
		TotalCompleted: stats.TotalCompleted,
		Items:          make([]api.QueueItemDetail, 0, len(stats.Items)),
	}
	for _, item := range stats.Items {
		resp.Items = append(resp.Items, api.QueueItemDetail{
			BuildID:       item.BuildID.String(),
			JobName:       item.JobName,
			BuildNumber:   item.BuildNumber,
			State:         string(item.State),
			Priority:      int(item.Priority),
			QueuedAt:      item.QueuedAt,
			QuietUntil:    item.QuietUntil,
			BlockedReason: item.BlockedReason,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetPoolStats handles GET /pool/stats.
func (h *Handlers) GetPoolStats(w http.ResponseWriter, r *http.Request) {
	stats := h.master.GetPoolStats()

	h.respondJson(w, http.StatusOK, api.PoolStatsResponse{
		TotalAgents:    stats.TotalAgents,
		OnlineAgents:   stats.OnlineAgents,
		BusyAgents:     stats.BusyAgents,
		OfflineAgents:  stats.OfflineAgents,
		ErrorAgents:    stats.ErrorAgents,
		TotalExecutors: stats.TotalExecutors,
		UsedExecutors:  stats.UsedExecutors,
		PassRate:       stats.PassRate,
	})
}
