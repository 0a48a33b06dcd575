package config

// configSchema constrains CUE configuration files. It mirrors the struct tags
// on Config so CUE users get errors with file positions.
const configSchema = `
#Source: {
	kind:        "named" | "path"
	namespace:   string & !=""
	identifier?: string
	path?:       string

	if kind == "named" {
		identifier: string & !=""
	}
	if kind == "path" {
		path: string & !=""
	}
}

#Config: {
	relative_path_root?: string
	search_paths?: [...string]
	sources?: [...#Source]

	script?: {
		max_steps?: int & >=0
		timeout?:   string
		params?: {...}
	}

	wasm?: {
		memory_limit_pages?: int & >=0 & <=65536
		timeout?:            string
	}

	journal?: {
		enabled?: bool
		path?:    string
	}

	telemetry?: {...}
}
`
