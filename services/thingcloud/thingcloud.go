// Thingcloud binds thingy sensor devices to user accounts and serves
// their telemetry. It maintains one MQTT subscription for all device
// shadow updates, stores readings and events in InfluxDB, keeps user
// and device records in postgres, and exposes the REST and SSE
// interface.
package main

import (
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/thingcloud/core/csql"
	"github.com/relabs-tech/thingcloud/core/logger"
	"github.com/relabs-tech/thingcloud/things/api"
	"github.com/relabs-tech/thingcloud/things/eventbus"
	"github.com/relabs-tech/thingcloud/things/influx"
	"github.com/relabs-tech/thingcloud/things/mqtt"
	"github.com/relabs-tech/thingcloud/users"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres       string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	JWTSecret      string `env:"JWT_SECRET,required" description:"secret for signing bearer tokens"`
	MQTTServer     string `env:"MQTT_SERVER,required" description:"hostname of the MQTT broker"`
	MQTTPort       int    `env:"MQTT_PORT,default=1883" description:"port of the MQTT broker"`
	MQTTUser       string `env:"MQTT_USR,optional" description:"username for the MQTT broker"`
	MQTTPassword   string `env:"MQTT_PWD,optional" description:"password for the MQTT broker"`
	InfluxDBURI    string `env:"INFLUXDB_URI,required" description:"url of the InfluxDB instance"`
	InfluxDBToken  string `env:"INFLUXDB_TOKEN,required" description:"API token for InfluxDB"`
	InfluxDBOrg    string `env:"INFLUXDB_ORG,required" description:"InfluxDB organization"`
	InfluxDBBucket string `env:"INFLUXDB_BUCKET,required" description:"InfluxDB bucket for telemetry"`
	Port           int    `env:"PORT,default=8080" description:"port to serve HTTP on"`
}

func main() {
	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default()

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	schema := "thingcloud"
	db := csql.MustOpenWithSchema(service.Postgres, schema)
	defer db.Close()

	store := influx.NewStore(influx.Config{
		URI:    service.InfluxDBURI,
		Token:  service.InfluxDBToken,
		Org:    service.InfluxDBOrg,
		Bucket: service.InfluxDBBucket,
	})
	defer store.Close()

	bus := eventbus.New()

	manager := mqtt.NewManager(&mqtt.Builder{
		Config: mqtt.Config{
			Server:   service.MQTTServer,
			Port:     service.MQTTPort,
			Username: service.MQTTUser,
			Password: service.MQTTPassword,
		},
		Store: store,
		Bus:   bus,
	})
	if err := manager.Connect(); err != nil {
		panic(err)
	}
	defer manager.Disconnect()

	router := mux.NewRouter()
	logger.AddRequestID(router)

	usersAPI := users.NewAPI(&users.Builder{
		DB:        db,
		Router:    router,
		JWTSecret: service.JWTSecret,
	})

	api.NewAPI(&api.Builder{
		Store:     store,
		Bus:       bus,
		Publisher: manager,
		Resolver:  usersAPI,
		Router:    router,
	})

	rlog.Infoln("listening on port", service.Port)
	rlog.Fatal(http.ListenAndServe(":"+strconv.Itoa(service.Port),
		handlers.CORS(
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
			handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		)(handlers.CompressHandler(router))))
}
