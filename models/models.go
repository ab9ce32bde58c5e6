package models

// All returns every model managed by AutoMigrate, in dependency order
func All() []interface{} {
	return []interface{}{
		&Agency{},
		&City{},
		&Client{},
		&DocumentType{},
		&AlertRule{},
		&ConsecutivoReservation{},
		&Tramite{},
		&TramiteHistory{},
		&TramiteDocument{},
		&TramiteFile{},
	}
}
