package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-harvester/internal/coordinator"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// ExampleProgressHandler_Source shows the per-source progress payload.
func ExampleProgressHandler_Source() {
	summary := coordinator.Summary{
		Status:   coordinator.StatusRunning,
		Sources:  map[string]harvest.SourceStats{"thegioiskinfood": {Listings: 12, ProductsNew: 9}},
		Sessions: map[string]string{"thegioiskinfood": "s-1"},
	}
	srv := NewServer(staticSnapshot{summary}, prometheus.NewRegistry(), nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress/sources/thegioiskinfood", nil))
	fmt.Println(rec.Code)
	// Output: 200
}
