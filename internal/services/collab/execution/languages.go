package execution

// Language describes an editor language offered to clients.
type Language struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Extension  string `json:"extension"`
	Executable bool   `json:"executable"`
}

// catalog lists the editor languages in display order. Executable is filled
// in by the engine from its registered runners.
var catalog = []Language{
	{ID: "javascript", Name: "JavaScript", Extension: "js"},
	{ID: "typescript", Name: "TypeScript", Extension: "ts"},
	{ID: "python", Name: "Python", Extension: "py"},
	{ID: "java", Name: "Java", Extension: "java"},
	{ID: "cpp", Name: "C++", Extension: "cpp"},
	{ID: "csharp", Name: "C#", Extension: "cs"},
	{ID: "go", Name: "Go", Extension: "go"},
	{ID: "rust", Name: "Rust", Extension: "rs"},
	{ID: "lua", Name: "Lua", Extension: "lua"},
	{ID: "html", Name: "HTML", Extension: "html"},
	{ID: "css", Name: "CSS", Extension: "css"},
	{ID: "json", Name: "JSON", Extension: "json"},
}
