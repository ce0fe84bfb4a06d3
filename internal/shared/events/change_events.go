package events

// Tipos de evento del topic de cambios.
const (
	RecordsChangedType = "records.changed"
	FieldChangedType   = "field.changed"
)

// Estos son contratos de integración, NO entidades del dominio.
// Los publica el servicio dueño de los registros después de confirmar la escritura.
type RecordsChanged struct {
	BaseID     string   `json:"baseId"`
	TableID    string   `json:"tableId"`
	ChangeType string   `json:"changeType"` // recordCreate, recordUpdate, recordDelete
	RecordIDs  []string `json:"recordIds"`
	FieldIDs   []string `json:"fieldIds,omitempty"`
}

// FieldChanged se emite al crear o convertir un campo: afecta a todos los registros.
type FieldChanged struct {
	BaseID     string `json:"baseId"`
	TableID    string `json:"tableId"`
	FieldID    string `json:"fieldId"`
	ChangeType string `json:"changeType"` // fieldCreate, fieldConvert
}
