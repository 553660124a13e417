package reconcile

// The live profile schema uses the legacy system's Spanish column names.
// Profile rows captured from deployments that renamed columns to English
// are translated back before copying. The alias table is ordered: when two
// source fields map to the same canonical name, the earlier one wins.
var profileAliases = []struct{ from, to string }{
	{"nationality", "nacionalidad"},
	{"id_card", "carnet"},
	{"dni", "carnet"},
	{"gender", "sexo"},
	{"sex", "sexo"},
	{"phone", "telephone"},
	{"telefono", "telephone"},
	{"mobile", "movil"},
	{"celular", "movil"},
	{"province", "provincia"},
	{"degree", "grado"},
	{"occupation", "ocupacion"},
	{"title", "titulo"},
	{"direccion", "address"},
	{"localidad", "location"},
}

// translateProfile returns a copy of payload with canonical field names
// filled in from their aliases. Translation is additive: original fields are
// kept, and an already-populated canonical field is never overwritten.
func translateProfile(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, alias := range profileAliases {
		v, ok := out[alias.from]
		if !ok || v == nil {
			continue
		}
		if existing, ok := out[alias.to]; ok && existing != nil && existing != "" {
			continue
		}
		out[alias.to] = v
	}
	return out
}
