package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Strob0t/MediaBroker/internal/domain/message"
	"github.com/Strob0t/MediaBroker/internal/domain/task"
	"github.com/Strob0t/MediaBroker/internal/domain/worker"
	"github.com/Strob0t/MediaBroker/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Tasks  *service.TaskManager
	Broker *service.Broker
}

// --- Workers ---

type registerWorkerRequest struct {
	Name        string        `json:"workerName"`
	ExternalIDs []string      `json:"externalIds"`
	Status      worker.Status `json:"status"`
}

func (h *Handlers) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[registerWorkerRequest](w, r)
	if !ok {
		return
	}
	wk, err := h.Broker.RegisterWorker(r.Context(), &worker.Worker{
		Name:        req.Name,
		ExternalIDs: req.ExternalIDs,
		Status:      req.Status,
	})
	if err != nil {
		writeDomainError(w, r, err, "worker not found")
		return
	}
	writeJSON(w, http.StatusCreated, wk)
}

func (h *Handlers) FindWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	workers, err := h.Broker.FindWorkers(r.Context(), worker.Filter{
		Status:     worker.Status(q.Get("status")),
		Name:       q.Get("name"),
		ExternalID: q.Get("externalId"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeDomainError(w, r, err, "worker not found")
		return
	}
	if workers == nil {
		workers = []worker.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (h *Handlers) GetWorker(w http.ResponseWriter, r *http.Request) {
	wk, err := h.Broker.GetWorker(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (h *Handlers) UpdateWorker(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[worker.UpdateRequest](w, r)
	if !ok {
		return
	}
	wk, err := h.Broker.UpdateWorker(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, r, err, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (h *Handlers) UnregisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := h.Broker.UnregisterWorker(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, r, err, "worker not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type claimRequest struct {
	Capacities []task.Capacity `json:"capacities"`
}

// ClaimTasks hands the worker its next tasks for the declared capacities.
func (h *Handlers) ClaimTasks(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[claimRequest](w, r)
	if !ok {
		return
	}
	tasks, err := h.Broker.GetNextAvailableTasksForWorker(r.Context(), urlParam(r, "id"), req.Capacities)
	if err != nil {
		writeDomainError(w, r, err, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type messageRequest struct {
	Text string       `json:"text"`
	Type message.Type `json:"type"`
}

func (h *Handlers) AddWorkerMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[messageRequest](w, r)
	if !ok {
		return
	}
	msg, err := h.Broker.AddMessageToWorker(r.Context(), urlParam(r, "id"), req.Text, req.Type)
	if err != nil {
		writeDomainError(w, r, err, "worker not found")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handlers) ListWorkerMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Broker.ListWorkerMessages(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(msgs))
}

// --- Jobs and task groups ---

type createGroupRequest struct {
	PipelineID         string `json:"pipelineId"`
	CallbackListenerID string `json:"callbackListenerId"`
}

func (h *Handlers) CreateTaskGroup(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createGroupRequest](w, r)
	if !ok {
		return
	}
	g, err := h.Tasks.CreateTaskGroup(r.Context(), &task.TaskGroup{
		JobID:              urlParam(r, "jobId"),
		PipelineID:         req.PipelineID,
		CallbackListenerID: req.CallbackListenerID,
	})
	if err != nil {
		writeDomainError(w, r, err, "task group not found")
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handlers) ListTaskGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Tasks.ListTaskGroups(r.Context(), urlParam(r, "jobId"))
	if err != nil {
		writeDomainError(w, r, err, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(groups))
}

func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	n, err := h.Tasks.DeleteJobTasks(r.Context(), urlParam(r, "jobId"))
	if err != nil {
		writeDomainError(w, r, err, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deletedTasks": n})
}

func (h *Handlers) GetTaskGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.Tasks.GetTaskGroup(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "task group not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// --- Tasks ---

type createTaskRequest struct {
	Type          string          `json:"type"`
	Description   string          `json:"description"`
	Status        task.Status     `json:"status"`
	Priority      int             `json:"priority"`
	Configuration json.RawMessage `json:"configuration"`
}

// CreateTask stores a task in the group. ?queue=false stores it without
// pushing it onto the task queue.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	queue := true
	if raw := r.URL.Query().Get("queue"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "queue must be a boolean")
			return
		}
		queue = b
	}
	req, ok := readJSON[createTaskRequest](w, r)
	if !ok {
		return
	}
	t, err := h.Tasks.CreateTask(r.Context(), urlParam(r, "id"), &task.Task{
		Type:          req.Type,
		Description:   req.Description,
		Status:        req.Status,
		Priority:      req.Priority,
		Configuration: req.Configuration,
	}, queue)
	if err != nil {
		writeDomainError(w, r, err, "task group not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Tasks.ListTasks(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "task group not found")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tasks))
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.GetTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type statusUpdateRequest struct {
	Status          task.Status     `json:"status"`
	Message         string          `json:"message"`
	PercentComplete *int            `json:"percentComplete"`
	Output          json.RawMessage `json:"output"`
}

func (req statusUpdateRequest) update() task.StatusUpdate {
	upd := task.StatusUpdate{
		Status:          req.Status,
		Message:         req.Message,
		PercentComplete: task.PercentUnknown,
		Output:          req.Output,
	}
	if req.PercentComplete != nil {
		upd.PercentComplete = *req.PercentComplete
	}
	return upd
}

func (h *Handlers) UpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[statusUpdateRequest](w, r)
	if !ok {
		return
	}
	t, err := h.Tasks.UpdateTaskStatus(r.Context(), urlParam(r, "id"), req.update())
	if err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// EnqueueStatusUpdate accepts an update for asynchronous application.
func (h *Handlers) EnqueueStatusUpdate(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[statusUpdateRequest](w, r)
	if !ok {
		return
	}
	if err := h.Tasks.AddTaskStatusUpdateToQueue(r.Context(), urlParam(r, "id"), req.update()); err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handlers) AddTaskMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[messageRequest](w, r)
	if !ok {
		return
	}
	msg, err := h.Tasks.AddMessageToTask(r.Context(), urlParam(r, "id"), req.Text, req.Type)
	if err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handlers) ListTaskMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Tasks.ListTaskMessages(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(msgs))
}

// --- Queues ---

const defaultRetrieveMax = 10

func (h *Handlers) RetrieveQueuedTasks(w http.ResponseWriter, r *http.Request) {
	max, ok := queryInt(w, r, "max", defaultRetrieveMax)
	if !ok {
		return
	}
	tasks, err := h.Tasks.RetrieveTasksFromTaskQueue(r.Context(), urlParam(r, "type"), max)
	if err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tasks))
}

func (h *Handlers) QueueLength(w http.ResponseWriter, r *http.Request) {
	typ := urlParam(r, "type")
	n, err := h.Tasks.QueueLength(r.Context(), typ)
	if err != nil {
		writeDomainError(w, r, err, "queue not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskType": typ, "length": n})
}

func (h *Handlers) DrainQueues(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.DrainQueues(r.Context()); err != nil {
		writeDomainError(w, r, err, "queue not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nonNil turns a nil slice into an empty one so lists encode as [].
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
