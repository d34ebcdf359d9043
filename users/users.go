/*
Package users manages user accounts and the binding of thingy devices
to users: sign-up and sign-in with bcrypt password hashes and HS256
bearer tokens, profile bookkeeping, and the thingy bind/unbind
routes. It also implements the resolver the telemetry API uses to map
an authenticated user to their bound thingy.
*/
package users

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/thingcloud/core/access"
	"github.com/relabs-tech/thingcloud/core/csql"
	"github.com/relabs-tech/thingcloud/core/logger"
)

// API is the RESTful interface for user accounts and thingy binding.
type API struct {
	db        *csql.DB
	jwtSecret []byte
}

// Builder is a builder helper for the API.
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// JWTSecret signs and validates bearer tokens. This is mandatory.
	JWTSecret string
}

// NewAPI realizes the users service. It creates the sql relations (if
// they do not exist), installs the token middleware on the router and
// adds the account and binding routes.
func NewAPI(b *Builder) *API {
	if b.DB == nil {
		panic("DB is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	if len(b.JWTSecret) == 0 {
		panic("JWTSecret is missing")
	}

	s := &API{
		db:        b.DB,
		jwtSecret: []byte(b.JWTSecret),
	}

	// poor man's database migrations
	_, err := s.db.Exec(`CREATE table IF NOT EXISTS ` + s.db.Schema + `.thingy
(thingy_id uuid DEFAULT uuid_generate_v4(),
name varchar NOT NULL UNIQUE,
is_available boolean NOT NULL DEFAULT true,
description varchar,
PRIMARY KEY(thingy_id)
);
CREATE table IF NOT EXISTS ` + s.db.Schema + `."user"
(user_id uuid DEFAULT uuid_generate_v4(),
username varchar NOT NULL UNIQUE,
email varchar NOT NULL UNIQUE,
password_hash varchar NOT NULL,
transport_type varchar NOT NULL DEFAULT 'other',
thingy_id uuid REFERENCES ` + s.db.Schema + `.thingy(thingy_id),
PRIMARY KEY(user_id)
);`)
	if err != nil {
		panic(err)
	}

	s.addMiddleware(b.Router)
	s.handleRoutes(b.Router)
	return s
}

type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Status: status, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, result interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(result)
}

// publicRoutes can be called without a bearer token.
var publicRoutes = map[string]bool{
	"/user/signup": true,
	"/user/signin": true,
}

// addMiddleware installs bearer token validation. Valid tokens put
// the user identity into the request context; everything else is
// answered with 401 except the public sign-up/sign-in routes.
func (s *API) addMiddleware(router *mux.Router) {
	authenticate := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicRoutes[r.URL.Path] {
				h.ServeHTTP(w, r)
				return
			}
			token := r.Header.Get("Authorization")
			if !strings.HasPrefix(token, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "not authorized")
				return
			}
			userID, err := s.ValidateToken(strings.TrimPrefix(token, "Bearer "))
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Debugln("token rejected")
				writeError(w, http.StatusUnauthorized, "not authorized")
				return
			}
			ctx := access.ContextWithIdentity(r.Context(), userID)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, userID)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	router.Use(authenticate)
}

func (s *API) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("users: handle route /user/signup POST")
	rlog.Debugln("users: handle route /user/signin POST")
	rlog.Debugln("users: handle route /user/profile GET")
	rlog.Debugln("users: handle route /user/profile PATCH")
	rlog.Debugln("users: handle route /user/transportType GET")
	rlog.Debugln("users: handle route /user/transportType PATCH")
	rlog.Debugln("users: handle route /user/delete DELETE")
	rlog.Debugln("users: handle route /users GET")
	rlog.Debugln("users: handle route /things GET")
	rlog.Debugln("users: handle route /things/{thingy_id}/bind POST")
	rlog.Debugln("users: handle route /things/{thingy_id}/unbind DELETE")

	router.HandleFunc("/user/signup", s.signUp).Methods(http.MethodPost)
	router.HandleFunc("/user/signin", s.signIn).Methods(http.MethodPost)
	router.HandleFunc("/user/profile", s.profileWithAuth).Methods(http.MethodGet)
	router.HandleFunc("/user/profile", s.updateProfileWithAuth).Methods(http.MethodPatch)
	router.HandleFunc("/user/transportType", s.transportTypeWithAuth).Methods(http.MethodGet)
	router.HandleFunc("/user/transportType", s.updateTransportTypeWithAuth).Methods(http.MethodPatch)
	router.HandleFunc("/user/delete", s.deleteAccountWithAuth).Methods(http.MethodDelete)
	router.HandleFunc("/users", s.listUsersWithAuth).Methods(http.MethodGet)
	router.HandleFunc("/things", s.listThingsWithAuth).Methods(http.MethodGet)
	router.HandleFunc("/things/{thingy_id}/bind", s.bindWithAuth).Methods(http.MethodPost)
	router.HandleFunc("/things/{thingy_id}/unbind", s.unbindWithAuth).Methods(http.MethodDelete)
}

var transportTypes = map[string]bool{
	"bike": true, "wheelchair": true, "car": true, "bus": true, "train": true, "other": true,
}

// Profile is the user profile as answered by the API. The password
// hash never leaves the service.
type Profile struct {
	UserID        uuid.UUID  `json:"user_id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	TransportType string     `json:"transportType"`
	ThingyID      *uuid.UUID `json:"thingy_id,omitempty"`
}

// Thingy is one physical device record.
type Thingy struct {
	ThingyID    uuid.UUID `json:"thingy_id"`
	Name        string    `json:"name"`
	IsAvailable bool      `json:"isAvailable"`
	Description string    `json:"description,omitempty"`
}

type credentials struct {
	Username      string `json:"username"`
	Email         string `json:"email"`
	Password      string `json:"password"`
	TransportType string `json:"transportType"`
}

func readBody(r *http.Request, into interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, into)
}

func (s *API) signUp(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	rlog.Infoln("called route for", r.URL, r.Method)

	var c credentials
	if err := readBody(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json data")
		return
	}
	if c.Username == "" || c.Email == "" || c.Password == "" || c.TransportType == "" {
		writeError(w, http.StatusBadRequest, "username, email, password and transportType are required")
		return
	}
	if !transportTypes[c.TransportType] {
		writeError(w, http.StatusBadRequest, "unknown transport type")
		return
	}

	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM `+s.db.Schema+`."user" WHERE username=$1 OR email=$2);`,
		c.Username, c.Email).Scan(&exists)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if exists {
		writeError(w, http.StatusConflict, "user already exists")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(c.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	profile := Profile{Username: c.Username, Email: c.Email, TransportType: c.TransportType}
	err = s.db.QueryRow(
		`INSERT INTO `+s.db.Schema+`."user"(username,email,password_hash,transport_type)
VALUES($1,$2,$3,$4) RETURNING user_id;`,
		c.Username, c.Email, string(hash), c.TransportType).Scan(&profile.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rlog.Infoln("created user", profile.UserID)
	writeJSON(w, http.StatusCreated, profile)
}

func (s *API) signIn(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	rlog.Infoln("called route for", r.URL, r.Method)

	var c credentials
	if err := readBody(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json data")
		return
	}
	if c.Username == "" || c.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	var userID uuid.UUID
	var hash string
	err := s.db.QueryRow(
		`SELECT user_id, password_hash FROM `+s.db.Schema+`."user" WHERE username=$1;`,
		c.Username).Scan(&userID, &hash)
	if err == csql.ErrNoRows {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(c.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.Token(userID.String())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Token issues a signed bearer token for the user, valid for one day.
func (s *API) Token(userID string) (string, error) {
	claims := jwt.MapClaims{
		"id":  userID,
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// ValidateToken validates a bearer token and returns the user ID it
// was issued for.
func (s *API) ValidateToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	userID, _ := claims["id"].(string)
	if userID == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return userID, nil
}

func (s *API) identity(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := access.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authorized")
		return uuid.UUID{}, false
	}
	userID, err := uuid.Parse(id)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not authorized")
		return uuid.UUID{}, false
	}
	return userID, true
}

func (s *API) profileWithAuth(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	var profile Profile
	var thingyID uuid.NullUUID
	err := s.db.QueryRow(
		`SELECT user_id, username, email, transport_type, thingy_id FROM `+s.db.Schema+`."user" WHERE user_id=$1;`,
		userID).Scan(&profile.UserID, &profile.Username, &profile.Email, &profile.TransportType, &thingyID)
	if thingyID.Valid {
		profile.ThingyID = &thingyID.UUID
	}
	if err == csql.ErrNoRows {
		writeError(w, http.StatusNotFound, "no such user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *API) updateProfileWithAuth(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json data")
		return
	}
	if body.Password != "" {
		writeError(w, http.StatusBadRequest, "password cannot be changed here")
		return
	}
	if body.Username == "" && body.Email == "" {
		writeError(w, http.StatusBadRequest, "username or email is required")
		return
	}

	var taken bool
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM `+s.db.Schema+`."user"
WHERE (username=$1 OR email=$2) AND user_id<>$3);`,
		body.Username, body.Email, userID).Scan(&taken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if taken {
		writeError(w, http.StatusConflict, "username or email already in use")
		return
	}

	var profile Profile
	var thingyID uuid.NullUUID
	err = s.db.QueryRow(
		`UPDATE `+s.db.Schema+`."user"
SET username=COALESCE(NULLIF($2,''), username), email=COALESCE(NULLIF($3,''), email)
WHERE user_id=$1
RETURNING user_id, username, email, transport_type, thingy_id;`,
		userID, body.Username, body.Email).
		Scan(&profile.UserID, &profile.Username, &profile.Email, &profile.TransportType, &thingyID)
	if err == csql.ErrNoRows {
		writeError(w, http.StatusNotFound, "no such user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if thingyID.Valid {
		profile.ThingyID = &thingyID.UUID
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *API) transportTypeWithAuth(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	var transportType string
	err := s.db.QueryRow(
		`SELECT transport_type FROM `+s.db.Schema+`."user" WHERE user_id=$1;`,
		userID).Scan(&transportType)
	if err == csql.ErrNoRows {
		writeError(w, http.StatusNotFound, "no such user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transportType": transportType})
}

func (s *API) updateTransportTypeWithAuth(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	var body struct {
		TransportType string `json:"transportType"`
	}
	if err := readBody(r, &body); err != nil || !transportTypes[body.TransportType] {
		writeError(w, http.StatusBadRequest, "unknown transport type")
		return
	}
	_, err := s.db.Exec(
		`UPDATE `+s.db.Schema+`."user" SET transport_type=$2 WHERE user_id=$1;`,
		userID, body.TransportType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transportType": body.TransportType})
}

func (s *API) deleteAccountWithAuth(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	// release a bound thingy before the account goes away
	_, err := s.db.Exec(
		`UPDATE `+s.db.Schema+`.thingy SET is_available=true
WHERE thingy_id=(SELECT thingy_id FROM `+s.db.Schema+`."user" WHERE user_id=$1);`,
		userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_, err = s.db.Exec(`DELETE FROM `+s.db.Schema+`."user" WHERE user_id=$1;`, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listUsersWithAuth answers all accounts without their thingy
// bindings or password hashes.
func (s *API) listUsersWithAuth(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(
		`SELECT user_id, username, email, transport_type FROM ` + s.db.Schema + `."user" ORDER BY username;`)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	response := []Profile{}
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.UserID, &p.Username, &p.Email, &p.TransportType); err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("scan user")
			continue
		}
		response = append(response, p)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *API) listThingsWithAuth(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(
		`SELECT thingy_id, name, is_available, COALESCE(description,'') FROM ` + s.db.Schema + `.thingy ORDER BY name;`)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	response := []Thingy{}
	for rows.Next() {
		var t Thingy
		if err := rows.Scan(&t.ThingyID, &t.Name, &t.IsAvailable, &t.Description); err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("scan thingy")
			continue
		}
		response = append(response, t)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *API) bindWithAuth(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	thingyID, err := uuid.Parse(mux.Vars(r)["thingy_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid thingy id")
		return
	}

	var isAvailable bool
	err = s.db.QueryRow(
		`SELECT is_available FROM `+s.db.Schema+`.thingy WHERE thingy_id=$1;`,
		thingyID).Scan(&isAvailable)
	if err == csql.ErrNoRows {
		writeError(w, http.StatusNotFound, "thingy not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !isAvailable {
		writeError(w, http.StatusConflict, "thingy is already bound")
		return
	}

	res, err := s.db.Exec(
		`UPDATE `+s.db.Schema+`."user" SET thingy_id=$2 WHERE user_id=$1 AND thingy_id IS NULL;`,
		userID, thingyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if count, _ := res.RowsAffected(); count != 1 {
		writeError(w, http.StatusConflict, "user already has a thingy bound")
		return
	}
	_, err = s.db.Exec(
		`UPDATE `+s.db.Schema+`.thingy SET is_available=false WHERE thingy_id=$1;`, thingyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "thingy successfully bound to user"})
}

func (s *API) unbindWithAuth(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	thingyID, err := uuid.Parse(mux.Vars(r)["thingy_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid thingy id")
		return
	}

	res, err := s.db.Exec(
		`UPDATE `+s.db.Schema+`."user" SET thingy_id=NULL WHERE user_id=$1 AND thingy_id=$2;`,
		userID, thingyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if count, _ := res.RowsAffected(); count != 1 {
		writeError(w, http.StatusNotFound, "thingy is not bound to user")
		return
	}
	_, err = s.db.Exec(
		`UPDATE `+s.db.Schema+`.thingy SET is_available=true WHERE thingy_id=$1;`, thingyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ThingyNameForUser implements things.Resolver: it returns the name
// of the thingy bound to the user, if any.
func (s *API) ThingyNameForUser(ctx context.Context, userID string) (string, bool, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return "", false, nil
	}
	var name string
	err = s.db.QueryRow(
		`SELECT t.name FROM `+s.db.Schema+`."user" u
JOIN `+s.db.Schema+`.thingy t ON u.thingy_id = t.thingy_id
WHERE u.user_id=$1;`, id).Scan(&name)
	if err == csql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

// CreateThingy inserts a device record, used by operations tooling
// and tests to seed the fleet.
func (s *API) CreateThingy(name, description string) (Thingy, error) {
	t := Thingy{Name: name, IsAvailable: true, Description: description}
	err := s.db.QueryRow(
		`INSERT INTO `+s.db.Schema+`.thingy(name, description) VALUES($1,$2) RETURNING thingy_id;`,
		name, description).Scan(&t.ThingyID)
	return t, err
}
