package worker

// EventTypeStatus is the only control-channel record type the supervisor
// acts on. Other types are ignored so workers can add new ones freely.
const EventTypeStatus = "status"

// Event is a structured record sent by a worker over its control channel.
type Event struct {
	Type     string `json:"type"`
	WorkerID string `json:"botId"`
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
}
