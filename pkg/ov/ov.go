package ov

// ParameterValue is the body of a parameter change.
type ParameterValue struct {
	Value string `json:"value"`
}

// Parameter is the answer to a parameter get or set. Value is the value in
// effect after the request.
type Parameter struct {
	Module    string `json:"module"`
	Parameter string `json:"parameter"`
	Value     string `json:"value"`
}
