package yaml

import "testing"

func TestValidateSchemaHeaderFromBytes(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
		wantErr  bool
	}{
		{"valid bucket", "schema_version: 1\nfile_type: store_bucket\n", FileTypeStoreBucket, false},
		{"any type", "schema_version: 1\nfile_type: plan\n", "", false},
		{"zero version", "schema_version: 0\nfile_type: plan\n", "", true},
		{"future version", "schema_version: 9\nfile_type: plan\n", "", true},
		{"missing type", "schema_version: 1\n", "", true},
		{"unknown type", "schema_version: 1\nfile_type: queue_task\n", "", true},
		{"mismatch", "schema_version: 1\nfile_type: plan\n", FileTypeStoreBucket, true},
		{"not yaml", "::: [", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expected)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
